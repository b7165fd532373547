package auth

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"pixvault/internal/cache"
	"pixvault/internal/models"
	"pixvault/internal/storage"
)

type memTokenStore struct {
	mu     sync.Mutex
	tokens map[string]models.AccessToken

	gets     int
	consumes int
	deletes  int
}

func newMemTokenStore() *memTokenStore {
	return &memTokenStore{tokens: make(map[string]models.AccessToken)}
}

func (m *memTokenStore) InsertToken(_ context.Context, t models.AccessToken) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.tokens[t.Token] = t
	return nil
}

func (m *memTokenStore) GetToken(_ context.Context, token string) (*models.AccessToken, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.gets++
	t, ok := m.tokens[token]
	if !ok {
		return nil, storage.ErrNotFound
	}
	return &t, nil
}

func (m *memTokenStore) ConsumeToken(_ context.Context, token string, now time.Time) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.consumes++
	t, ok := m.tokens[token]
	if !ok || t.UseLeft <= 0 || !t.ExpiresAt.After(now) {
		return 0, storage.ErrNotFound
	}
	t.UseLeft--
	m.tokens[token] = t
	return t.UseLeft, nil
}

func (m *memTokenStore) DeleteToken(_ context.Context, token string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.deletes++
	delete(m.tokens, token)
	return nil
}

func (m *memTokenStore) DeleteExpiredTokens(_ context.Context, now time.Time) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var n int64
	for tok, t := range m.tokens {
		if !t.ExpiresAt.After(now) {
			delete(m.tokens, tok)
			n++
		}
	}
	return n, nil
}

type memKeyStore struct {
	keys map[string]bool
	err  error
}

func (m *memKeyStore) KeyExists(_ context.Context, key string) (bool, error) {
	if m.err != nil {
		return false, m.err
	}
	return m.keys[key], nil
}

func newTestService(t *testing.T) (*Service, *memTokenStore) {
	t.Helper()
	tokens := newMemTokenStore()
	svc := NewService(&memKeyStore{keys: map[string]bool{"good-key": true}}, tokens, cache.New(), nil)
	return svc, tokens
}

func TestCheckKey(t *testing.T) {
	svc, _ := newTestService(t)
	ctx := context.Background()

	ok, err := svc.CheckKey(ctx, "good-key")
	if err != nil || !ok {
		t.Errorf("CheckKey(good-key) = %v, %v; want true, nil", ok, err)
	}

	ok, err = svc.CheckKey(ctx, "bad-key")
	if err != nil || ok {
		t.Errorf("CheckKey(bad-key) = %v, %v; want false, nil", ok, err)
	}

	ok, err = svc.CheckKey(ctx, "")
	if err != nil || ok {
		t.Errorf("CheckKey(empty) = %v, %v; want false, nil", ok, err)
	}
}

func TestIssueTokenBounds(t *testing.T) {
	svc, _ := newTestService(t)
	ctx := context.Background()

	for _, uses := range []int{0, -1, models.TokenMaxUses + 1} {
		_, err := svc.IssueToken(ctx, uses)
		if !errors.Is(err, models.ErrValidation) {
			t.Errorf("IssueToken(%d): want ErrValidation, got %v", uses, err)
		}
	}

	token, err := svc.IssueToken(ctx, models.TokenMaxUses)
	if err != nil {
		t.Fatalf("IssueToken(max): %v", err)
	}
	if token == "" {
		t.Fatal("IssueToken returned empty token")
	}
}

func TestTokenExpiryBudget(t *testing.T) {
	svc, tokens := newTestService(t)
	now := time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)
	svc.now = func() time.Time { return now }

	token, err := svc.IssueToken(context.Background(), 3)
	if err != nil {
		t.Fatal(err)
	}

	stored := tokens.tokens[token]
	want := now.Add(3 * models.TokenSlotDuration)
	if !stored.ExpiresAt.Equal(want) {
		t.Errorf("expiry: got %v, want %v", stored.ExpiresAt, want)
	}
	if stored.UseLeft != 3 {
		t.Errorf("use_left: got %d, want 3", stored.UseLeft)
	}
}

func TestSingleUseLifecycle(t *testing.T) {
	svc, tokens := newTestService(t)
	ctx := context.Background()

	token, err := svc.IssueToken(ctx, 1)
	if err != nil {
		t.Fatal(err)
	}

	ok, err := svc.UseToken(ctx, token)
	if err != nil || !ok {
		t.Fatalf("first use: got %v, %v; want true, nil", ok, err)
	}
	if _, exists := tokens.tokens[token]; exists {
		t.Error("token not deleted after terminal use")
	}

	ok, err = svc.UseToken(ctx, token)
	if err != nil || ok {
		t.Fatalf("second use: got %v, %v; want false, nil", ok, err)
	}
}

func TestMultiUseLifecycle(t *testing.T) {
	svc, _ := newTestService(t)
	ctx := context.Background()

	token, err := svc.IssueToken(ctx, 3)
	if err != nil {
		t.Fatal(err)
	}

	for i := 0; i < 3; i++ {
		ok, err := svc.UseToken(ctx, token)
		if err != nil || !ok {
			t.Fatalf("use %d: got %v, %v; want true, nil", i+1, ok, err)
		}
	}

	ok, err := svc.UseToken(ctx, token)
	if err != nil || ok {
		t.Fatalf("fourth use: got %v, %v; want false, nil", ok, err)
	}
}

func TestValidateExpiredTokenDeletesOnce(t *testing.T) {
	svc, tokens := newTestService(t)
	ctx := context.Background()

	tokens.tokens["old"] = models.AccessToken{
		Token:     "old",
		UseLeft:   5,
		ExpiresAt: time.Now().Add(-time.Minute),
	}

	if _, err := svc.ValidateToken(ctx, "old"); !errors.Is(err, ErrInvalidToken) {
		t.Fatalf("want ErrInvalidToken, got %v", err)
	}
	if tokens.deletes != 1 {
		t.Errorf("deletes after first validate: got %d, want 1", tokens.deletes)
	}

	// The cache entry was invalidated along with the durable delete, so a
	// second validate sees the store miss, not a stale cached token.
	if _, err := svc.ValidateToken(ctx, "old"); !errors.Is(err, ErrInvalidToken) {
		t.Fatalf("second validate: want ErrInvalidToken, got %v", err)
	}
	if tokens.deletes != 1 {
		t.Errorf("deletes after second validate: got %d, want 1", tokens.deletes)
	}
}

func TestValidateTokenReadsThroughCache(t *testing.T) {
	svc, tokens := newTestService(t)
	ctx := context.Background()

	token, err := svc.IssueToken(ctx, 5)
	if err != nil {
		t.Fatal(err)
	}

	if _, err := svc.ValidateToken(ctx, token); err != nil {
		t.Fatal(err)
	}
	if _, err := svc.ValidateToken(ctx, token); err != nil {
		t.Fatal(err)
	}

	if tokens.gets != 1 {
		t.Errorf("store reads: got %d, want 1 (second validate should hit the cache)", tokens.gets)
	}
}

func TestConcurrentLastUse(t *testing.T) {
	svc, _ := newTestService(t)
	ctx := context.Background()

	token, err := svc.IssueToken(ctx, 1)
	if err != nil {
		t.Fatal(err)
	}

	const n = 32
	results := make(chan bool, n)
	var wg sync.WaitGroup
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			ok, err := svc.UseToken(ctx, token)
			if err != nil {
				t.Errorf("UseToken: %v", err)
			}
			results <- ok
		}()
	}
	wg.Wait()
	close(results)

	var wins int
	for ok := range results {
		if ok {
			wins++
		}
	}
	if wins != 1 {
		t.Errorf("concurrent last use: got %d successes, want exactly 1", wins)
	}
}

func TestUseTokenStoreFailure(t *testing.T) {
	svc, _ := newTestService(t)
	failing := &failingTokenStore{}
	svc.tokens = failing

	ok, err := svc.UseToken(context.Background(), "any")
	if ok {
		t.Error("UseToken reported success against a failing store")
	}
	if !errors.Is(err, storage.ErrUnavailable) {
		t.Errorf("want ErrUnavailable, got %v", err)
	}
}

type failingTokenStore struct{}

func (f *failingTokenStore) InsertToken(context.Context, models.AccessToken) error {
	return fmt.Errorf("insert: %w", storage.ErrUnavailable)
}

func (f *failingTokenStore) GetToken(context.Context, string) (*models.AccessToken, error) {
	return nil, fmt.Errorf("get: %w", storage.ErrUnavailable)
}

func (f *failingTokenStore) ConsumeToken(context.Context, string, time.Time) (int, error) {
	return 0, fmt.Errorf("consume: %w", storage.ErrUnavailable)
}

func (f *failingTokenStore) DeleteToken(context.Context, string) error {
	return fmt.Errorf("delete: %w", storage.ErrUnavailable)
}

func (f *failingTokenStore) DeleteExpiredTokens(context.Context, time.Time) (int64, error) {
	return 0, fmt.Errorf("delete expired: %w", storage.ErrUnavailable)
}
