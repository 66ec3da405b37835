package authz

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/suite"

	"github.com/audax/qabel-index/internal/index/metrics"
	dErrors "github.com/audax/qabel-index/pkg/domain-errors"
	"github.com/audax/qabel-index/pkg/platform/audit"
	"github.com/audax/qabel-index/pkg/platform/audit/publisher"
	auditmemory "github.com/audax/qabel-index/pkg/platform/audit/store/memory"
	"github.com/audax/qabel-index/pkg/platform/circuit"
	"github.com/audax/qabel-index/pkg/platform/sentinel"
	"github.com/audax/qabel-index/pkg/testutil"
)

const apiSecret = "s3cret"

// fakeAccounting mimics the accounting service's internal user endpoint.
type fakeAccounting struct {
	server *httptest.Server
	calls  atomic.Int32
	mu     sync.Mutex
	active map[string]bool
	status int
	delay  time.Duration
}

func newFakeAccounting() *fakeAccounting {
	f := &fakeAccounting{active: map[string]bool{}, status: http.StatusOK}
	f.server = httptest.NewServer(http.HandlerFunc(f.handle))
	return f
}

func (f *fakeAccounting) handle(w http.ResponseWriter, r *http.Request) {
	f.calls.Add(1)
	if r.Method != http.MethodPost || r.URL.Path != userCheckPath || r.Header.Get("APISECRET") != apiSecret {
		w.WriteHeader(http.StatusForbidden)
		return
	}
	var req userCheckRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		w.WriteHeader(http.StatusBadRequest)
		return
	}
	f.mu.Lock()
	status, delay := f.status, f.delay
	active, known := f.active[req.Auth]
	f.mu.Unlock()
	time.Sleep(delay)

	if status != http.StatusOK {
		w.WriteHeader(status)
		return
	}
	if !known {
		w.WriteHeader(http.StatusNotFound)
		return
	}
	_ = json.NewEncoder(w).Encode(userCheckResponse{UserID: 1, Active: active})
}

func (f *fakeAccounting) set(status int) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.status = status
}

type GateSuite struct {
	suite.Suite
	accounting *fakeAccounting
	audit      *auditmemory.InMemoryStore
	gate       *Gate
}

func TestGateSuite(t *testing.T) {
	suite.Run(t, new(GateSuite))
}

func (s *GateSuite) SetupTest() {
	s.accounting = newFakeAccounting()
	s.accounting.active["Token good"] = true
	s.accounting.active["Token inactive"] = false
	s.audit = auditmemory.NewInMemoryStore()
	s.gate = s.newGate(circuit.New("accounting", circuit.WithFailureThreshold(2), circuit.WithOpenTimeout(time.Hour)))
}

func (s *GateSuite) TearDownTest() {
	s.accounting.server.Close()
}

func (s *GateSuite) newGate(breaker *circuit.Breaker) *Gate {
	client := NewAccountingClient(s.accounting.server.URL+"/", apiSecret, time.Second)
	return NewGate(client,
		WithCache(NewMemoryCache(), time.Minute),
		WithBreaker(breaker),
		WithMetrics(metrics.NewWithRegisterer(prometheus.NewRegistry())),
		WithAuditor(publisher.NewPublisher(s.audit)),
	)
}

func (s *GateSuite) requireDenied(err error, reason string) {
	s.Require().Error(err)
	s.True(dErrors.HasCode(err, dErrors.CodeNotApproved))
	s.Equal(reason, err.Error())
}

func (s *GateSuite) TestCheck() {
	ctx := context.Background()

	s.Run("active user is approved", func() {
		s.NoError(s.gate.Check(ctx, "Token good"))
	})

	s.Run("approval is cached", func() {
		before := s.accounting.calls.Load()
		s.NoError(s.gate.Check(ctx, "Token good"))
		s.Equal(before, s.accounting.calls.Load())
	})

	s.Run("missing header", func() {
		s.requireDenied(s.gate.Check(ctx, "  "), ReasonMissing)
	})

	s.Run("inactive user", func() {
		s.requireDenied(s.gate.Check(ctx, "Token inactive"), ReasonRejected)
	})

	s.Run("unknown user", func() {
		s.requireDenied(s.gate.Check(ctx, "Token nobody"), ReasonRejected)
	})

	s.Run("denials are not cached", func() {
		before := s.accounting.calls.Load()
		s.requireDenied(s.gate.Check(ctx, "Token inactive"), ReasonRejected)
		s.Equal(before+1, s.accounting.calls.Load())
	})

	s.Run("denials are audited", func() {
		events, err := s.audit.ListRecent(ctx, 10)
		s.Require().NoError(err)
		s.Require().NotEmpty(events)
		s.Equal(string(audit.EventAuthorizationDenied), events[len(events)-1].Action)
	})
}

func (s *GateSuite) TestAccountingOutage() {
	ctx := context.Background()
	s.accounting.set(http.StatusBadGateway)

	s.requireDenied(s.gate.Check(ctx, "Token other"), ReasonUnreachable)
	s.requireDenied(s.gate.Check(ctx, "Token other"), ReasonUnreachable)

	s.Run("open breaker fails fast", func() {
		before := s.accounting.calls.Load()
		s.requireDenied(s.gate.Check(ctx, "Token other"), ReasonUnreachable)
		s.Equal(before, s.accounting.calls.Load())
	})

	s.Run("cached approvals still pass", func() {
		gate := s.newGate(circuit.New("accounting"))
		s.accounting.set(http.StatusOK)
		s.Require().NoError(gate.Check(ctx, "Token good"))
		s.accounting.set(http.StatusInternalServerError)
		s.NoError(gate.Check(ctx, "Token good"))
	})
}

func (s *GateSuite) TestUnreachableServer() {
	s.accounting.server.Close()
	err := s.gate.Check(context.Background(), "Token good")
	s.requireDenied(err, ReasonUnreachable)
}

func (s *GateSuite) TestConcurrentChecksShareOneCall() {
	s.accounting.mu.Lock()
	s.accounting.delay = 50 * time.Millisecond
	s.accounting.mu.Unlock()
	gate := NewGate(NewAccountingClient(s.accounting.server.URL, apiSecret, time.Second))

	var wg sync.WaitGroup
	errs := make([]error, 10)
	for i := range errs {
		wg.Add(1)
		go func() {
			defer wg.Done()
			errs[i] = gate.Check(context.Background(), "Token good")
		}()
	}
	wg.Wait()

	for _, err := range errs {
		s.NoError(err)
	}
	s.Less(s.accounting.calls.Load(), int32(10))
}

// blockingChecker fails every call once released.
type blockingChecker struct {
	calls   atomic.Int32
	started chan struct{}
	release chan struct{}
}

func (c *blockingChecker) Check(context.Context, string) (Verdict, error) {
	if c.calls.Add(1) == 1 {
		close(c.started)
	}
	<-c.release
	return Denied, sentinel.ErrUnavailable
}

func (s *GateSuite) TestSharedFailureCountsOnce() {
	checker := &blockingChecker{started: make(chan struct{}), release: make(chan struct{})}
	breaker := circuit.New("accounting", circuit.WithFailureThreshold(2), circuit.WithOpenTimeout(time.Hour))
	gate := NewGate(checker, WithBreaker(breaker))

	var wg sync.WaitGroup
	errs := make([]error, 5)
	wg.Add(1)
	go func() {
		defer wg.Done()
		errs[0] = gate.Check(context.Background(), "Token shared")
	}()
	<-checker.started
	for i := 1; i < len(errs); i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			errs[i] = gate.Check(context.Background(), "Token shared")
		}()
	}
	time.Sleep(50 * time.Millisecond)
	close(checker.release)
	wg.Wait()

	s.Require().Equal(int32(1), checker.calls.Load())
	for _, err := range errs {
		s.requireDenied(err, ReasonUnreachable)
	}
	s.Equal(circuit.StateClosed, breaker.State(), "one upstream failure must not trip a threshold of two")
}

func (s *GateSuite) TestRequireMiddleware() {
	next := http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusNoContent)
	})
	handler := s.gate.Require(next)

	s.Run("approved request passes", func() {
		req := testutil.WithAuthorization(testutil.NewRequest(s.T(), http.MethodGet, "/api/v0/key/"), "Token good")
		rr := testutil.DoRequest(handler, req)
		testutil.AssertStatus(s.T(), rr, http.StatusNoContent)
	})

	s.Run("missing header is forbidden", func() {
		rr := testutil.DoRequest(handler, testutil.NewRequest(s.T(), http.MethodGet, "/api/v0/key/"))
		testutil.AssertStatusAndError(s.T(), rr, http.StatusForbidden, string(dErrors.CodeNotApproved))
		testutil.AssertErrorContains(s.T(), rr, ReasonMissing)
	})

	s.Run("rejected header is forbidden", func() {
		req := testutil.WithAuthorization(testutil.NewRequest(s.T(), http.MethodGet, "/api/v0/key/"), "Token inactive")
		rr := testutil.DoRequest(handler, req)
		testutil.AssertStatusAndError(s.T(), rr, http.StatusForbidden, string(dErrors.CodeNotApproved))
		testutil.AssertErrorContains(s.T(), rr, ReasonRejected)
	})
}

func TestAccountingClient(t *testing.T) {
	f := newFakeAccounting()
	defer f.server.Close()
	f.active["Token good"] = true

	client := NewAccountingClient(f.server.URL, apiSecret, time.Second)
	v, err := client.Check(context.Background(), "Token good")
	if err != nil || v != Approved {
		t.Fatalf("expected approval, got %v %v", v, err)
	}

	f.set(http.StatusServiceUnavailable)
	_, err = client.Check(context.Background(), "Token good")
	if !errors.Is(err, sentinel.ErrUnavailable) {
		t.Fatalf("expected unavailable, got %v", err)
	}

	wrong := NewAccountingClient(f.server.URL, "nope", time.Second)
	f.set(http.StatusOK)
	v, err = wrong.Check(context.Background(), "Token good")
	if err != nil || v != Denied {
		t.Fatalf("expected denial for bad secret, got %v %v", v, err)
	}
}

func TestMemoryCacheExpires(t *testing.T) {
	now := time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC)
	c := NewMemoryCache()
	c.clock = func() time.Time { return now }
	ctx := context.Background()

	if err := c.Remember(ctx, "k", time.Minute); err != nil {
		t.Fatal(err)
	}
	if ok, _ := c.IsApproved(ctx, "k"); !ok {
		t.Fatal("expected cached approval")
	}
	now = now.Add(time.Minute)
	if ok, _ := c.IsApproved(ctx, "k"); ok {
		t.Fatal("expected approval to expire")
	}
}
