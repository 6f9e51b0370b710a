package api

import (
	"net/http"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v4"
	"github.com/steinfletcher/apitest"

	"github.com/runnerhub/runnerhub/lib/auth"
	"github.com/runnerhub/runnerhub/lib/containers"
	"github.com/runnerhub/runnerhub/lib/ha"
	"github.com/runnerhub/runnerhub/lib/store"
	"github.com/runnerhub/runnerhub/lib/types"
)

func newTestStore(t *testing.T) *store.Store {
	t.Helper()
	st, err := store.Open(t.TempDir())
	if err != nil {
		t.Fatalf("store.Open() returned error: %v", err)
	}
	t.Cleanup(func() { st.Close() })
	return st
}

type stubPools struct {
	pool    types.RunnerPool
	current int
	busy    int
	repos   []string
	scaled  []int
}

func (s *stubPools) GetOrCreatePool(repo string) (types.RunnerPool, error) { return s.pool, nil }
func (s *stubPools) UpdatePool(repo string, cfg types.RunnerPool) error    { s.pool = cfg; return nil }
func (s *stubPools) PoolStats(repo string) (int, int, error)               { return s.current, s.busy, nil }
func (s *stubPools) ListRunners(repo string) ([]types.Runner, error)       { return nil, nil }
func (s *stubPools) Repositories() ([]string, error)                       { return s.repos, nil }
func (s *stubPools) Scale(repo string, delta int) error {
	s.scaled = append(s.scaled, delta)
	return nil
}

type stubEnqueuer struct{ enqueued []*types.Job }

func (s *stubEnqueuer) Enqueue(job *types.Job) error {
	s.enqueued = append(s.enqueued, job)
	return nil
}

type stubCleanup struct {
	policies  map[string]containers.CleanupPolicy
	triggered bool
}

func (s *stubCleanup) PolicyFor(repo string) (containers.CleanupPolicy, error) {
	return s.policies[repo], nil
}
func (s *stubCleanup) SetPolicy(repo string, policy containers.CleanupPolicy) error {
	if s.policies == nil {
		s.policies = make(map[string]containers.CleanupPolicy)
	}
	s.policies[repo] = policy
	return nil
}
func (s *stubCleanup) Policies() (map[string]containers.CleanupPolicy, error) { return s.policies, nil }
func (s *stubCleanup) Cleanup(defaultPolicy containers.CleanupPolicy) error {
	s.triggered = true
	return nil
}

type stubHA struct{ status ha.Status }

func (s *stubHA) CurrentStatus() (ha.Status, error) { return s.status, nil }

func testDeps(t *testing.T) (Deps, *stubPools, *stubEnqueuer, *stubCleanup, *stubHA) {
	t.Helper()
	pools := &stubPools{repos: []string{"acme/widgets"}}
	enq := &stubEnqueuer{}
	cleanup := &stubCleanup{}
	haStub := &stubHA{status: ha.Status{IsLeader: true, CurrentLeader: "node-a", Term: 3}}

	e, err := auth.NewEnforcer()
	if err != nil {
		t.Fatalf("NewEnforcer() returned error: %v", err)
	}

	return Deps{
		Store:     newTestStore(t),
		Pools:     pools,
		Queue:     enq,
		Cleanup:   cleanup,
		HA:        haStub,
		Enforcer:  e,
		JWTSecret: []byte("test-secret-at-least-32-bytes-long!"),
	}, pools, enq, cleanup, haStub
}

func bearerToken(t *testing.T, secret []byte, roles ...string) string {
	t.Helper()
	claims := auth.Claims{
		Subject: "test-user",
		Roles:   roles,
		RegisteredClaims: jwt.RegisteredClaims{
			ExpiresAt: jwt.NewNumericDate(time.Now().Add(time.Hour)),
		},
	}
	tok, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(secret)
	if err != nil {
		t.Fatalf("SignedString() returned error: %v", err)
	}
	return tok
}

func TestHealthIsUnauthenticated(t *testing.T) {
	d, _, _, _, _ := testDeps(t)
	apitest.New().
		Handler(newMux(d)).
		Get("/health").
		Expect(t).
		Status(http.StatusOK).
		End()
}

func TestListPoolsRequiresAuth(t *testing.T) {
	d, _, _, _, _ := testDeps(t)
	apitest.New().
		Handler(newMux(d)).
		Get("/api/runners/pools").
		Expect(t).
		Status(http.StatusUnauthorized).
		End()
}

func TestListPoolsAllowsViewer(t *testing.T) {
	d, _, _, _, _ := testDeps(t)
	tok := bearerToken(t, d.JWTSecret, auth.RoleViewer)
	apitest.New().
		Handler(newMux(d)).
		Get("/api/runners/pools").
		Header("Authorization", "Bearer "+tok).
		Expect(t).
		Status(http.StatusOK).
		End()
}

func TestScalePoolRejectsViewer(t *testing.T) {
	d, _, _, _, _ := testDeps(t)
	tok := bearerToken(t, d.JWTSecret, auth.RoleViewer)
	apitest.New().
		Handler(newMux(d)).
		Post("/api/runners/pools/acme/widgets/scale").
		Header("Authorization", "Bearer "+tok).
		JSON(`{"action":"up","count":2}`).
		Expect(t).
		Status(http.StatusForbidden).
		End()
}

func TestScalePoolAppliesDelta(t *testing.T) {
	d, pools, _, _, _ := testDeps(t)
	tok := bearerToken(t, d.JWTSecret, auth.RoleOperator)
	apitest.New().
		Handler(newMux(d)).
		Post("/api/runners/pools/acme/widgets/scale").
		Header("Authorization", "Bearer "+tok).
		JSON(`{"action":"up","count":3}`).
		Expect(t).
		Status(http.StatusOK).
		End()

	if len(pools.scaled) != 1 || pools.scaled[0] != 3 {
		t.Errorf("pools.scaled = %v; want [3]", pools.scaled)
	}
}

func TestDelegateJobEnqueues(t *testing.T) {
	d, _, enq, _, _ := testDeps(t)
	tok := bearerToken(t, d.JWTSecret, auth.RoleOperator)
	apitest.New().
		Handler(newMux(d)).
		Post("/api/jobs/delegate").
		Header("Authorization", "Bearer "+tok).
		JSON(`{"jobId":"123-456","runId":"123","repository":"acme/widgets","workflow":"ci.yml"}`).
		Expect(t).
		Status(http.StatusCreated).
		End()

	if len(enq.enqueued) != 1 || enq.enqueued[0].JobID != "123-456" {
		t.Errorf("enq.enqueued = %v; want one job with id 123-456", enq.enqueued)
	}
}

func TestDelegateJobRejectsDuplicate(t *testing.T) {
	d, _, _, _, _ := testDeps(t)
	tok := bearerToken(t, d.JWTSecret, auth.RoleOperator)
	body := `{"jobId":"dup-1","runId":"1","repository":"acme/widgets"}`

	mux := newMux(d)
	apitest.New().Handler(mux).Post("/api/jobs/delegate").Header("Authorization", "Bearer "+tok).JSON(body).Expect(t).Status(http.StatusCreated).End()
	apitest.New().Handler(mux).Post("/api/jobs/delegate").Header("Authorization", "Bearer "+tok).JSON(body).Expect(t).Status(http.StatusConflict).End()
}

func TestCleanupTriggerRunsCleanup(t *testing.T) {
	d, _, _, cleanup, _ := testDeps(t)
	tok := bearerToken(t, d.JWTSecret, auth.RoleOperator)
	apitest.New().
		Handler(newMux(d)).
		Post("/api/cleanup/trigger").
		Header("Authorization", "Bearer "+tok).
		Expect(t).
		Status(http.StatusOK).
		End()

	if !cleanup.triggered {
		t.Error("Cleanup() was not called")
	}
}

func TestSetCleanupPolicyOverride(t *testing.T) {
	d, _, _, cleanup, _ := testDeps(t)
	tok := bearerToken(t, d.JWTSecret, auth.RoleOperator)
	apitest.New().
		Handler(newMux(d)).
		Put("/api/cleanup/policies/acme/widgets").
		Header("Authorization", "Bearer "+tok).
		JSON(`{"IdleEnabled":false,"FailedEnabled":true,"OrphanedEnabled":true,"ExpiredEnabled":true}`).
		Expect(t).
		Status(http.StatusOK).
		End()

	p, ok := cleanup.policies["acme/widgets"]
	if !ok || p.IdleEnabled {
		t.Errorf("policies[acme/widgets] = %+v, ok=%v; want IdleEnabled=false", p, ok)
	}
}

func TestHAStatusReportsLeader(t *testing.T) {
	d, _, _, _, _ := testDeps(t)
	tok := bearerToken(t, d.JWTSecret, auth.RoleViewer)
	apitest.New().
		Handler(newMux(d)).
		Get("/api/system/ha/status").
		Header("Authorization", "Bearer "+tok).
		Expect(t).
		Status(http.StatusOK).
		Body(`{"currentLeader":"node-a","isLeader":true,"term":3}`).
		End()
}
