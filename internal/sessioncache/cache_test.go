package sessioncache_test

import (
	"context"
	"errors"
	"fmt"
	"reflect"
	"testing"

	"github.com/toolbridge/toolbridge/internal/policy"
	"github.com/toolbridge/toolbridge/internal/sessioncache"
	"github.com/toolbridge/toolbridge/pkg/contracts"
	"github.com/toolbridge/toolbridge/pkg/models"
)

// fakeBroker implements contracts.BrokerClient for cache tests. Only
// CreateSession matters here; the rest return zero values.
type fakeBroker struct {
	contracts.BrokerClient

	createCalls []contracts.SessionRequest
	createFn    func(contracts.SessionRequest) (*models.RoutingSession, error)
}

func (f *fakeBroker) CreateSession(_ context.Context, req contracts.SessionRequest) (*models.RoutingSession, error) {
	f.createCalls = append(f.createCalls, req)
	if f.createFn != nil {
		return f.createFn(req)
	}
	return &models.RoutingSession{
		ID:          fmt.Sprintf("sess-%d", len(f.createCalls)),
		Scope:       req.Scope,
		AccountPins: req.AccountPins,
	}, nil
}

func newCache(broker *fakeBroker, cfg models.PolicyConfig) *sessioncache.Cache {
	cfg.Normalize()
	return sessioncache.New(broker, policy.NewEngine(&cfg))
}

func TestGet_CachesPerKey(t *testing.T) {
	broker := &fakeBroker{}
	cache := newCache(broker, models.PolicyConfig{})
	ctx := context.Background()

	first, err := cache.Get(ctx, "user-1", nil)
	if err != nil {
		t.Fatalf("Get() error = %v", err)
	}
	second, err := cache.Get(ctx, "user-1", nil)
	if err != nil {
		t.Fatalf("Get() second call error = %v", err)
	}

	if len(broker.createCalls) != 1 {
		t.Errorf("CreateSession called %d times, want 1", len(broker.createCalls))
	}
	if first.ID != second.ID {
		t.Errorf("cache returned different sessions: %q vs %q", first.ID, second.ID)
	}
}

func TestGet_DistinctKeysDistinctSessions(t *testing.T) {
	broker := &fakeBroker{}
	cache := newCache(broker, models.PolicyConfig{})
	ctx := context.Background()

	cache.Get(ctx, "user-1", nil)
	cache.Get(ctx, "user-2", nil)
	cache.Get(ctx, "user-1", map[string]string{"gmail": "acc-1"})

	if len(broker.createCalls) != 3 {
		t.Errorf("CreateSession called %d times, want 3", len(broker.createCalls))
	}
}

func TestGet_RequiresScope(t *testing.T) {
	cache := newCache(&fakeBroker{}, models.PolicyConfig{})
	if _, err := cache.Get(context.Background(), "", nil); err == nil {
		t.Error("Get() with empty scope should fail")
	}
}

func TestGet_BuildsRequestFromPolicy(t *testing.T) {
	broker := &fakeBroker{}
	cache := newCache(broker, models.PolicyConfig{
		AllowedToolkits: []string{"gmail", "github"},
		BlockedToolkits: []string{"slack"},
		BlockedTools:    []string{"GMAIL_SEND_EMAIL", "GMAIL_DELETE_EMAIL", "GITHUB_DELETE_REPO"},
		ReadOnly:        true,
		BehaviorTags:    []string{"audit"},
	})

	if _, err := cache.Get(context.Background(), "user-1", map[string]string{"GMail": "acc-9"}); err != nil {
		t.Fatalf("Get() error = %v", err)
	}

	req := broker.createCalls[0]
	if want := []string{"github", "gmail"}; !reflect.DeepEqual(req.EnabledToolkits, want) {
		t.Errorf("EnabledToolkits = %v, want %v", req.EnabledToolkits, want)
	}
	if want := []string{"slack"}; !reflect.DeepEqual(req.DisabledToolkits, want) {
		t.Errorf("DisabledToolkits = %v, want %v", req.DisabledToolkits, want)
	}
	if want := []string{"GMAIL_DELETE_EMAIL", "GMAIL_SEND_EMAIL"}; !reflect.DeepEqual(req.DisabledTools["gmail"], want) {
		t.Errorf("DisabledTools[gmail] = %v, want %v", req.DisabledTools["gmail"], want)
	}
	if want := []string{"audit", sessioncache.ReadOnlyTag}; !reflect.DeepEqual(req.BehaviorTags, want) {
		t.Errorf("BehaviorTags = %v, want %v", req.BehaviorTags, want)
	}
	if req.AccountPins["gmail"] != "acc-9" {
		t.Errorf("AccountPins = %v, want gmail→acc-9", req.AccountPins)
	}
}

func TestGet_RetriesWithoutToolkitFilter(t *testing.T) {
	broker := &fakeBroker{}
	broker.createFn = func(req contracts.SessionRequest) (*models.RoutingSession, error) {
		if len(req.EnabledToolkits) > 0 {
			return nil, errors.New("the following toolkits require auth configs but none exist: [linear]. Either create them or specify them in auth_configs")
		}
		return &models.RoutingSession{ID: "sess-retry", Scope: req.Scope}, nil
	}
	cache := newCache(broker, models.PolicyConfig{AllowedToolkits: []string{"linear"}})

	session, err := cache.Get(context.Background(), "user-1", nil)
	if err != nil {
		t.Fatalf("Get() error = %v", err)
	}
	if session.ID != "sess-retry" {
		t.Errorf("session ID = %q, want sess-retry", session.ID)
	}
	if len(broker.createCalls) != 2 {
		t.Fatalf("CreateSession called %d times, want 2 (original + retry)", len(broker.createCalls))
	}

	retry := broker.createCalls[1]
	if len(retry.EnabledToolkits) != 0 {
		t.Errorf("retry kept toolkit allow-list: %v", retry.EnabledToolkits)
	}
	// Every other directive survives the retry.
	if !reflect.DeepEqual(retry.DisabledToolkits, broker.createCalls[0].DisabledToolkits) {
		t.Errorf("retry changed DisabledToolkits")
	}
}

func TestGet_OtherCreationErrorsPropagate(t *testing.T) {
	broker := &fakeBroker{
		createFn: func(contracts.SessionRequest) (*models.RoutingSession, error) {
			return nil, errors.New("rate limited")
		},
	}
	cache := newCache(broker, models.PolicyConfig{AllowedToolkits: []string{"gmail"}})

	if _, err := cache.Get(context.Background(), "user-1", nil); err == nil {
		t.Fatal("Get() should propagate unrelated creation errors")
	}
	if len(broker.createCalls) != 1 {
		t.Errorf("CreateSession called %d times, want 1 (no retry)", len(broker.createCalls))
	}
}

func TestClearScope(t *testing.T) {
	broker := &fakeBroker{}
	cache := newCache(broker, models.PolicyConfig{})
	ctx := context.Background()

	cache.Get(ctx, "user-1", nil)
	cache.Get(ctx, "user-1", map[string]string{"gmail": "acc-1"})
	cache.Get(ctx, "user-2", nil)

	if evicted := cache.ClearScope("user-1"); evicted != 2 {
		t.Errorf("ClearScope(user-1) evicted %d, want 2", evicted)
	}
	if cache.Len() != 1 {
		t.Errorf("cache has %d entries after eviction, want 1", cache.Len())
	}

	// user-1 misses again, user-2 still hits.
	cache.Get(ctx, "user-2", nil)
	cache.Get(ctx, "user-1", nil)
	if len(broker.createCalls) != 4 {
		t.Errorf("CreateSession called %d times, want 4", len(broker.createCalls))
	}
}

func TestKey_Canonical(t *testing.T) {
	a := sessioncache.Key("u", map[string]string{"gmail": "1", "slack": "2"})
	b := sessioncache.Key("u", map[string]string{"slack": "2", "gmail": "1"})
	if a != b {
		t.Errorf("key not canonical: %q vs %q", a, b)
	}
	if a == sessioncache.Key("u", nil) {
		t.Error("pinned and unpinned keys should differ")
	}
}
