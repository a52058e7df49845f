package ratelimit

import (
	"testing"
	"time"

	"motya/internal/configmodel"
	"motya/internal/keyselect"
	"motya/internal/ratelimit/storage"
)

type fakeCtx struct{ ip string }

func (f fakeCtx) GetPath() string                 { return "" }
func (f fakeCtx) GetHeader(string) (string, bool) { return "", false }
func (f fakeCtx) GetCookie(string) (string, bool) { return "", false }
func (f fakeCtx) GetIP() string                   { return f.ip }

func ipPolicy(t *testing.T, rate float64, burst int64) configmodel.RateLimitPolicyDef {
	t.Helper()
	tmpl, err := keyselect.ParseTemplate("${ip}")
	if err != nil {
		t.Fatal(err)
	}
	return configmodel.RateLimitPolicyDef{
		Name:      "p",
		Algorithm: "token-bucket",
		Templates: []configmodel.KeyTemplate{tmpl},
		Rate:      rate,
		Burst:     burst,
	}
}

func TestLimiter_AllowsThenDeniesThenRecoversAfterWindow(t *testing.T) {
	store := storage.New(configmodel.StorageDef{Kind: configmodel.StorageMemory, Cleanup: time.Minute})
	l := New(ipPolicy(t, 1.0, 2), store)

	ctx := fakeCtx{ip: "127.0.0.1"}
	start := time.Unix(1_700_000_000, 0)

	r1, err := l.Check(ctx, start)
	if err != nil || !r1.Allowed {
		t.Fatalf("request 1: %+v err=%v", r1, err)
	}
	r2, err := l.Check(ctx, start.Add(50*time.Millisecond))
	if err != nil || !r2.Allowed {
		t.Fatalf("request 2: %+v err=%v", r2, err)
	}
	r3, err := l.Check(ctx, start.Add(100*time.Millisecond))
	if err != nil || r3.Allowed {
		t.Fatalf("request 3 should be denied: %+v err=%v", r3, err)
	}
	if r3.ResetAfter <= 0 || r3.ResetAfter > time.Second {
		t.Fatalf("reset after = %v, want within (0, 1s]", r3.ResetAfter)
	}

	r4, err := l.Check(ctx, start.Add(2*time.Second))
	if err != nil || !r4.Allowed {
		t.Fatalf("request 4 after 2s should be allowed: %+v err=%v", r4, err)
	}
}

func TestLimiter_DistinctKeysHaveDistinctBuckets(t *testing.T) {
	store := storage.New(configmodel.StorageDef{Kind: configmodel.StorageMemory})
	l := New(ipPolicy(t, 1.0, 1), store)
	now := time.Unix(1_700_000_000, 0)

	r1, _ := l.Check(fakeCtx{ip: "10.0.0.1"}, now)
	r2, _ := l.Check(fakeCtx{ip: "10.0.0.2"}, now)
	if !r1.Allowed || !r2.Allowed {
		t.Fatalf("distinct IPs should not share a bucket: %+v %+v", r1, r2)
	}
	r3, _ := l.Check(fakeCtx{ip: "10.0.0.1"}, now)
	if r3.Allowed {
		t.Fatalf("second hit on the same IP should be denied: %+v", r3)
	}
}

func TestLimiter_NoTemplatesAlwaysAllows(t *testing.T) {
	store := storage.New(configmodel.StorageDef{Kind: configmodel.StorageMemory})
	l := New(configmodel.RateLimitPolicyDef{Name: "p", Rate: 1.0, Burst: 1}, store)
	r, err := l.Check(fakeCtx{}, time.Now())
	if err != nil || !r.Allowed {
		t.Fatalf("expected allow with no key templates, got %+v err=%v", r, err)
	}
	if r.Remaining != 1 {
		t.Fatalf("remaining = %d, want the full burst", r.Remaining)
	}
}

func TestLimiter_EmptyKeyAlwaysAllows(t *testing.T) {
	store := storage.New(configmodel.StorageDef{Kind: configmodel.StorageMemory})
	tmpl, err := keyselect.ParseTemplate("${header.Authorization}")
	if err != nil {
		t.Fatal(err)
	}
	l := New(configmodel.RateLimitPolicyDef{
		Name: "p", Rate: 1.0, Burst: 1,
		Templates: []configmodel.KeyTemplate{tmpl},
	}, store)
	r, err := l.Check(fakeCtx{}, time.Now())
	if err != nil || !r.Allowed {
		t.Fatalf("expected allow when no template yields a key, got %+v err=%v", r, err)
	}
}
