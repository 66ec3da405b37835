package service

import (
	"context"
	"encoding/json"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/suite"

	"github.com/audax/qabel-index/internal/index/fields"
	"github.com/audax/qabel-index/internal/index/metrics"
	"github.com/audax/qabel-index/internal/index/models"
	"github.com/audax/qabel-index/internal/index/notify"
	"github.com/audax/qabel-index/internal/index/store/memory"
	"github.com/audax/qabel-index/internal/sealbox"
	dErrors "github.com/audax/qabel-index/pkg/domain-errors"
	"github.com/audax/qabel-index/pkg/platform/audit"
	"github.com/audax/qabel-index/pkg/platform/audit/publisher"
	auditmemory "github.com/audax/qabel-index/pkg/platform/audit/store/memory"
	"github.com/audax/qabel-index/pkg/requestcontext"
)

const publicURL = "https://index.example"

type recordingNotifier struct {
	mu   sync.Mutex
	sent []notify.Message
	err  error
}

func (r *recordingNotifier) Send(_ context.Context, msg notify.Message) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.sent = append(r.sent, msg)
	return r.err
}

func (r *recordingNotifier) messages() []notify.Message {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]notify.Message(nil), r.sent...)
}

// token extracts the verification token from a notification's links.
func token(msg notify.Message) string {
	return strings.TrimSuffix(strings.TrimPrefix(msg.ReviewURL, publicURL+"/verify/"), "/")
}

type ServiceSuite struct {
	suite.Suite
	store    *memory.InMemoryStore
	keys     *sealbox.KeyPair
	notifier *recordingNotifier
	audit    *auditmemory.InMemoryStore
	service  *Service
	now      time.Time

	alice, bob, carol sealbox.Key
}

func TestServiceSuite(t *testing.T) {
	suite.Run(t, new(ServiceSuite))
}

func (s *ServiceSuite) SetupTest() {
	var err error
	s.now = time.Date(2025, 6, 1, 9, 0, 0, 0, time.UTC)
	s.store = memory.New(memory.WithClock(func() time.Time { return s.now }))
	s.keys, err = sealbox.NewKeyPair()
	s.Require().NoError(err)
	s.notifier = &recordingNotifier{}
	s.audit = auditmemory.NewInMemoryStore()
	s.service = New(s.store, s.store, s.keys,
		WithNotifier(s.notifier),
		WithAuditor(publisher.NewPublisher(s.audit)),
		WithMetrics(metrics.NewWithRegisterer(prometheus.NewRegistry())),
		WithPublicURL(publicURL+"/"),
		WithDefaultRegion("DE"),
		WithVerificationTTL(time.Hour),
	)
	s.alice = s.newKey()
	s.bob = s.newKey()
	s.carol = s.newKey()
}

func (s *ServiceSuite) newKey() sealbox.Key {
	kp, err := sealbox.NewKeyPair()
	s.Require().NoError(err)
	return kp.PublicKey()
}

func (s *ServiceSuite) ctx() context.Context {
	return requestcontext.WithTime(context.Background(), s.now)
}

func item(action, field, value string) models.UpdateItem {
	return models.UpdateItem{Action: action, Field: field, Value: value}
}

func (s *ServiceSuite) request(key sealbox.Key, items ...models.UpdateItem) *models.UpdateRequest {
	return &models.UpdateRequest{
		Identity: &models.IdentityPayload{
			PublicKey: key.String(),
			DropURL:   "http://drop.example/" + key.String()[:8],
			Alias:     "alias-" + key.String()[:4],
		},
		Items: items,
	}
}

func (s *ServiceSuite) update(key sealbox.Key, items ...models.UpdateItem) (*models.UpdateResult, error) {
	body, err := json.Marshal(s.request(key, items...))
	s.Require().NoError(err)
	return s.service.ProcessUpdate(s.ctx(), ContentTypeJSON, body)
}

func (s *ServiceSuite) mustUpdate(key sealbox.Key, items ...models.UpdateItem) *models.UpdateResult {
	result, err := s.update(key, items...)
	s.Require().NoError(err)
	return result
}

func (s *ServiceSuite) search(terms ...models.SearchTerm) *models.SearchResponse {
	resp, err := s.service.Search(s.ctx(), terms)
	s.Require().NoError(err)
	return resp
}

func term(field, value string) models.SearchTerm {
	return models.SearchTerm{Field: field, Value: value}
}

func pair(field fields.Kind, value string) models.FieldValue {
	return models.FieldValue{Field: field, Value: value}
}

func (s *ServiceSuite) lastToken() string {
	sent := s.notifier.messages()
	s.Require().NotEmpty(sent)
	return token(sent[len(sent)-1])
}

func (s *ServiceSuite) requireCode(err error, code dErrors.Code) {
	s.Require().Error(err)
	s.Equal(code, dErrors.CodeOf(err), err.Error())
}

func (s *ServiceSuite) auditActions() []string {
	events, err := s.audit.ListRecent(context.Background(), 100)
	s.Require().NoError(err)
	var actions []string
	for _, e := range events {
		actions = append(actions, e.Action)
	}
	return actions
}

func (s *ServiceSuite) TestUpdate() {
	s.Run("new attribute is claimed without verification", func() {
		result := s.mustUpdate(s.alice, item("create", "email", "alice@example.org"))

		s.Equal(models.UpdateAccepted, result.Status)
		s.Equal(1, result.Applied)
		s.Empty(s.notifier.messages())

		resp := s.search(term("email", "alice@example.org"))
		s.Require().Len(resp.Identities, 1)
		s.Equal(s.alice, resp.Identities[0].PublicKey)
		s.Contains(s.auditActions(), string(audit.EventEntryCreated))
	})

	s.Run("re-creating an owned attribute is a no-op", func() {
		result := s.mustUpdate(s.alice, item("create", "email", "alice@example.org"))

		s.Equal(models.UpdateAccepted, result.Status)
		s.Equal(0, result.Applied)
		s.Equal(0, result.Pending)
		s.Empty(s.notifier.messages())
		resp := s.search(term("email", "alice@example.org"))
		s.Require().Len(resp.Identities, 1)
		s.Len(resp.Identities[0].Matches, 1)
	})

	s.Run("claiming someone else's attribute waits for verification", func() {
		result := s.mustUpdate(s.bob, item("create", "email", "alice@example.org"))

		s.Equal(models.UpdatePending, result.Status)
		s.Equal(1, result.Pending)
		resp := s.search(term("email", "alice@example.org"))
		s.Require().Len(resp.Identities, 1)
		s.Equal(s.alice, resp.Identities[0].PublicKey, "entry must not move before confirmation")

		sent := s.notifier.messages()
		s.Require().Len(sent, 1)
		s.Equal(fields.Email, sent[0].Channel)
		s.Equal("alice@example.org", sent[0].To)
		s.Equal(models.ActionCreate, sent[0].Action)
		s.Equal(s.bob, sent[0].Identity.PublicKey)
		s.True(strings.HasPrefix(sent[0].ConfirmURL, publicURL+"/verify/"))
		s.True(strings.HasSuffix(sent[0].ConfirmURL, "/confirm/"))
		s.True(strings.HasSuffix(sent[0].DenyURL, "/deny/"))
		s.Equal(s.now.Add(time.Hour), sent[0].ExpiresAt)
		s.Len(token(sent[0]), 43)
		s.Contains(s.auditActions(), string(audit.EventVerificationStarted))
	})

	s.Run("deleting an unowned attribute is a no-op", func() {
		result := s.mustUpdate(s.carol, item("delete", "email", "alice@example.org"))

		s.Equal(models.UpdateAccepted, result.Status)
		s.Len(s.notifier.messages(), 1)
	})

	s.Run("deleting an owned attribute waits for verification", func() {
		result := s.mustUpdate(s.alice, item("delete", "email", "alice@example.org"))

		s.Equal(models.UpdatePending, result.Status)
		s.Len(s.search(term("email", "alice@example.org")).Identities, 1)
		sent := s.notifier.messages()
		s.Equal(models.ActionDelete, sent[len(sent)-1].Action)
	})

	s.Run("alias changes reuse the identity", func() {
		req := s.request(s.alice, item("create", "phone", "+4915112345678"))
		req.Identity.Alias = "Alice Liddell"
		upd, err := s.service.NormalizeUpdate(s.ctx(), req)
		s.Require().NoError(err)
		_, err = s.service.Update(s.ctx(), upd)
		s.Require().NoError(err)

		resp := s.search(term("email", "alice@example.org"), term("phone", "+4915112345678"))
		s.Require().Len(resp.Identities, 1)
		s.Equal("Alice Liddell", resp.Identities[0].Alias)
		s.Len(resp.Identities[0].Matches, 2)
	})
}

func (s *ServiceSuite) TestDeletingAnotherIdentitysEntryLeavesItAlone() {
	s.mustUpdate(s.alice, item("create", "email", "x@example.org"))

	result := s.mustUpdate(s.bob, item("delete", "email", "x@example.org"))

	s.Equal(models.UpdateAccepted, result.Status)
	s.Equal(0, result.Applied)
	s.Equal(0, result.Pending)
	s.Empty(s.notifier.messages(), "the owner must not be mailed about someone else's delete")
	s.NotContains(s.auditActions(), string(audit.EventVerificationStarted))

	resp := s.search(term("email", "x@example.org"))
	s.Require().Len(resp.Identities, 1)
	s.Equal(s.alice, resp.Identities[0].PublicKey)
}

func (s *ServiceSuite) TestUpdateDuplicateItemsApplyInOrder() {
	result := s.mustUpdate(s.alice,
		item("create", "email", "dup@example.org"),
		item("create", "email", "dup@example.org"),
	)
	s.Equal(models.UpdateAccepted, result.Status)
	s.Equal(1, result.Applied)

	result = s.mustUpdate(s.alice,
		item("delete", "email", "dup@example.org"),
		item("delete", "email", "dup@example.org"),
	)
	s.Equal(2, result.Pending)
}

func (s *ServiceSuite) TestUpdateValidation() {
	cases := []struct {
		name  string
		items []models.UpdateItem
		code  dErrors.Code
		msg   string
	}{
		{"empty items", nil, dErrors.CodeValidation, "items must not be empty"},
		{"unknown action", []models.UpdateItem{item("rename", "email", "a@example.org")}, dErrors.CodeValidation, "items[0]: unknown action"},
		{"unknown field", []models.UpdateItem{item("create", "fax", "123")}, dErrors.CodeValidation, "items[0]: unknown field"},
		{"bad email", []models.UpdateItem{item("create", "email", "not-an-email")}, dErrors.CodeValidation, "items[0]: invalid email"},
		{"bad phone", []models.UpdateItem{item("create", "phone", "call me")}, dErrors.CodeValidation, "items[0]: invalid phone"},
		{
			"one bad item rejects the batch",
			[]models.UpdateItem{item("create", "email", "valid@example.org"), item("create", "email", "")},
			dErrors.CodeValidation, "items[1]",
		},
	}
	for _, tc := range cases {
		s.Run(tc.name, func() {
			_, err := s.update(s.alice, tc.items...)
			s.requireCode(err, tc.code)
			s.Contains(err.Error(), tc.msg)
		})
	}

	s.Run("nothing was written", func() {
		s.Empty(s.search(term("email", "valid@example.org")).Identities)
	})

	s.Run("item reason is not repeated", func() {
		_, err := s.update(s.alice, item("create", "phone", "call me"))
		de, ok := dErrors.As(err)
		s.Require().True(ok)
		s.Equal("items[0]: invalid phone number", de.Message)
		s.Equal(1, strings.Count(err.Error(), "invalid phone number"))
	})

	s.Run("missing identity", func() {
		_, err := s.service.ProcessUpdate(s.ctx(), ContentTypeJSON, []byte(`{"items":[{"action":"create","field":"email","value":"a@example.org"}]}`))
		s.requireCode(err, dErrors.CodeValidation)
	})

	s.Run("malformed public key", func() {
		req := s.request(s.alice, item("create", "email", "a@example.org"))
		req.Identity.PublicKey = "abc"
		_, err := s.service.NormalizeUpdate(s.ctx(), req)
		s.requireCode(err, dErrors.CodeFormat)
	})

	s.Run("relative drop url", func() {
		req := s.request(s.alice, item("create", "email", "a@example.org"))
		req.Identity.DropURL = "drop/alice"
		_, err := s.service.NormalizeUpdate(s.ctx(), req)
		s.requireCode(err, dErrors.CodeValidation)
	})

	s.Run("items not a list", func() {
		_, err := s.service.ProcessUpdate(s.ctx(), ContentTypeJSON, []byte(`{"identity":{},"items":"create"}`))
		s.requireCode(err, dErrors.CodeValidation)
	})
}

func (s *ServiceSuite) TestSealedUpdate() {
	plaintext, err := json.Marshal(s.request(s.alice, item("create", "email", "sealed@example.org")))
	s.Require().NoError(err)

	s.Run("sealed body is opened and applied", func() {
		sealed, err := sealbox.Seal(plaintext, s.service.PublicKey())
		s.Require().NoError(err)

		result, err := s.service.ProcessUpdate(s.ctx(), ContentTypeSealed, sealed)
		s.Require().NoError(err)
		s.Equal(models.UpdateAccepted, result.Status)
		s.Len(s.search(term("email", "sealed@example.org")).Identities, 1)
	})

	s.Run("tampered body is a decryption error", func() {
		sealed, err := sealbox.Seal(plaintext, s.service.PublicKey())
		s.Require().NoError(err)
		sealed[len(sealed)-1] ^= 0x01

		_, err = s.service.ProcessUpdate(s.ctx(), ContentTypeSealed, sealed)
		s.requireCode(err, dErrors.CodeDecryption)
	})

	s.Run("box sealed to another key is a decryption error", func() {
		sealed, err := sealbox.Seal(plaintext, s.bob)
		s.Require().NoError(err)

		_, err = s.service.ProcessUpdate(s.ctx(), ContentTypeSealed, sealed)
		s.requireCode(err, dErrors.CodeDecryption)
	})

	s.Run("unsupported content type", func() {
		_, err := s.service.ProcessUpdate(s.ctx(), "text/plain", plaintext)
		s.requireCode(err, dErrors.CodeBadRequest)
	})

	s.Run("content type parameters are ignored", func() {
		_, err := s.service.ProcessUpdate(s.ctx(), "application/json; charset=utf-8", plaintext)
		s.NoError(err)
	})
}

func (s *ServiceSuite) TestSearch() {
	s.mustUpdate(s.alice, item("create", "email", "x@example.org"))
	s.mustUpdate(s.bob,
		item("create", "phone", "+4915112345678"),
		item("create", "email", "z@example.org"),
	)

	s.Run("exact match only", func() {
		s.Empty(s.search(term("email", "ax@example.org")).Identities)
		s.Empty(s.search(term("email", "x@example.orga")).Identities)
		s.Empty(s.search(term("phone", "x@example.org")).Identities)
	})

	s.Run("one matching term is enough", func() {
		resp := s.search(term("email", "x@example.org"), term("phone", "+4930123456"))
		s.Require().Len(resp.Identities, 1)
		s.Equal([]models.FieldValue{pair(fields.Email, "x@example.org")}, resp.Identities[0].Matches)
	})

	s.Run("unparseable value matches nothing", func() {
		resp := s.search(term("email", "x@example.org"), term("phone", "not-a-number"))
		s.Require().Len(resp.Identities, 1)
		s.Equal(s.alice, resp.Identities[0].PublicKey)

		resp = s.search(term("phone", "not-a-number"), term("email", "not-an-email"))
		s.NotNil(resp.Identities)
		s.Empty(resp.Identities)
	})

	s.Run("matches stay with their identity", func() {
		resp := s.search(
			term("email", "x@example.org"),
			term("email", "z@example.org"),
			term("phone", "+4915112345678"),
		)
		s.Require().Len(resp.Identities, 2)
		s.Equal(s.alice, resp.Identities[0].PublicKey)
		s.Equal([]models.FieldValue{pair(fields.Email, "x@example.org")}, resp.Identities[0].Matches)
		s.Equal(s.bob, resp.Identities[1].PublicKey)
		s.Equal([]models.FieldValue{
			pair(fields.Email, "z@example.org"),
			pair(fields.Phone, "+4915112345678"),
		}, resp.Identities[1].Matches)
	})

	s.Run("query values are normalized like entries", func() {
		ctx := requestcontext.WithRegion(s.ctx(), "DE")
		resp, err := s.service.Search(ctx, []models.SearchTerm{term("phone", "0151 12345678")})
		s.Require().NoError(err)
		s.Require().Len(resp.Identities, 1)
		s.Equal(s.bob, resp.Identities[0].PublicKey)
	})

	s.Run("empty query", func() {
		_, err := s.service.Search(s.ctx(), nil)
		s.requireCode(err, dErrors.CodeValidation)
		s.Contains(err.Error(), "fields specified")
	})

	s.Run("unknown field", func() {
		_, err := s.service.Search(s.ctx(), []models.SearchTerm{term("fax", "1")})
		s.requireCode(err, dErrors.CodeValidation)
	})

	s.Run("no matches is an empty list", func() {
		resp := s.search(term("email", "nobody@example.org"))
		s.NotNil(resp.Identities)
		s.Empty(resp.Identities)
	})
}

func (s *ServiceSuite) TestConfirm() {
	s.mustUpdate(s.alice, item("create", "email", "x@example.org"))

	s.Run("confirmed conflicting create moves the entry", func() {
		s.mustUpdate(s.bob, item("create", "email", "x@example.org"))
		tok := s.lastToken()

		resp, err := s.service.Confirm(s.ctx(), tok)
		s.Require().NoError(err)
		s.Equal(models.StatusConfirmed, resp.Status)
		s.Equal(models.ActionCreate, resp.Action)

		found := s.search(term("email", "x@example.org"))
		s.Require().Len(found.Identities, 1)
		s.Equal(s.bob, found.Identities[0].PublicKey)

		s.Run("token is single use", func() {
			_, err := s.service.Confirm(s.ctx(), tok)
			s.requireCode(err, dErrors.CodeNotFound)
			_, err = s.service.Deny(s.ctx(), tok)
			s.requireCode(err, dErrors.CodeNotFound)
			_, err = s.service.Review(s.ctx(), tok)
			s.requireCode(err, dErrors.CodeNotFound)
		})
	})

	s.Run("confirmed delete removes the entry", func() {
		s.mustUpdate(s.bob, item("delete", "email", "x@example.org"))

		_, err := s.service.Confirm(s.ctx(), s.lastToken())
		s.Require().NoError(err)
		s.Empty(s.search(term("email", "x@example.org")).Identities)
		s.Contains(s.auditActions(), string(audit.EventEntryDeleted))
	})

	s.Run("unknown token", func() {
		_, err := s.service.Confirm(s.ctx(), "does-not-exist")
		s.requireCode(err, dErrors.CodeNotFound)
		_, err = s.service.Confirm(s.ctx(), "")
		s.requireCode(err, dErrors.CodeNotFound)
	})
}

func (s *ServiceSuite) TestDeny() {
	s.mustUpdate(s.alice, item("create", "email", "x@example.org"))
	s.mustUpdate(s.alice, item("delete", "email", "x@example.org"))
	tok := s.lastToken()

	resp, err := s.service.Deny(s.ctx(), tok)
	s.Require().NoError(err)
	s.Equal(models.StatusDenied, resp.Status)
	s.Len(s.search(term("email", "x@example.org")).Identities, 1)

	_, err = s.service.Confirm(s.ctx(), tok)
	s.requireCode(err, dErrors.CodeNotFound)
	s.Len(s.search(term("email", "x@example.org")).Identities, 1)
	s.Contains(s.auditActions(), string(audit.EventVerificationDenied))
}

func (s *ServiceSuite) TestReview() {
	s.mustUpdate(s.alice, item("create", "email", "x@example.org"))
	s.mustUpdate(s.bob, item("create", "email", "x@example.org"))
	tok := s.lastToken()

	summary, err := s.service.Review(s.ctx(), tok)
	s.Require().NoError(err)
	s.Equal(models.ActionCreate, summary.Action)
	s.Equal("email", summary.Field)
	s.Equal("x@example.org", summary.Value)
	s.Equal(s.bob, summary.Identity.PublicKey)

	s.Run("review does not consume the token", func() {
		_, err := s.service.Review(s.ctx(), tok)
		s.Require().NoError(err)
		_, err = s.service.Confirm(s.ctx(), tok)
		s.Require().NoError(err)
	})
}

func (s *ServiceSuite) TestExpiry() {
	s.mustUpdate(s.alice, item("create", "email", "x@example.org"))
	s.mustUpdate(s.bob, item("create", "email", "x@example.org"))
	tok := s.lastToken()

	s.now = s.now.Add(time.Hour)

	_, err := s.service.Review(s.ctx(), tok)
	s.requireCode(err, dErrors.CodeNotFound)

	_, err = s.service.Confirm(s.ctx(), tok)
	s.requireCode(err, dErrors.CodeNotFound)

	found := s.search(term("email", "x@example.org"))
	s.Require().Len(found.Identities, 1)
	s.Equal(s.alice, found.Identities[0].PublicKey)

	pending, err := s.store.FindPendingByTokenHash(context.Background(), models.Token(tok).Hash())
	s.Require().NoError(err)
	s.Equal(models.StatusExpired, pending.Status)

	s.Run("expired stays expired", func() {
		s.now = s.now.Add(-30 * time.Minute)
		_, err := s.service.Deny(s.ctx(), tok)
		s.requireCode(err, dErrors.CodeNotFound)
	})
	s.Contains(s.auditActions(), string(audit.EventVerificationExpired))
}

func (s *ServiceSuite) TestNotificationFailureKeepsPendingChange() {
	s.notifier.err = errors.New("relay down")
	s.mustUpdate(s.alice, item("create", "email", "x@example.org"))

	result, err := s.update(s.bob, item("create", "email", "x@example.org"))
	s.Require().NoError(err)
	s.Equal(models.UpdatePending, result.Status)
	s.Contains(s.auditActions(), string(audit.EventNotificationFailed))

	_, err = s.service.Confirm(s.ctx(), s.lastToken())
	s.NoError(err)
}

func (s *ServiceSuite) TestConcurrentClaimsHaveOneWinner() {
	keys := []sealbox.Key{s.alice, s.bob, s.carol}
	results := make([]*models.UpdateResult, len(keys))
	var wg sync.WaitGroup
	for i, key := range keys {
		wg.Add(1)
		go func() {
			defer wg.Done()
			results[i], _ = s.update(key, item("create", "email", "race@example.org"))
		}()
	}
	wg.Wait()

	applied, pending := 0, 0
	for _, r := range results {
		s.Require().NotNil(r)
		applied += r.Applied
		pending += r.Pending
	}
	s.Equal(1, applied)
	s.Equal(2, pending)
	s.Len(s.search(term("email", "race@example.org")).Identities, 1)
}

func (s *ServiceSuite) TestConcurrentConfirmsHaveOneWinner() {
	s.mustUpdate(s.alice, item("create", "email", "x@example.org"))
	s.mustUpdate(s.bob, item("create", "email", "x@example.org"))
	tok := s.lastToken()

	const callers = 8
	errs := make([]error, callers)
	var wg sync.WaitGroup
	for i := range callers {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if i%2 == 0 {
				_, errs[i] = s.service.Confirm(s.ctx(), tok)
			} else {
				_, errs[i] = s.service.Deny(s.ctx(), tok)
			}
		}()
	}
	wg.Wait()

	ok := 0
	for _, err := range errs {
		if err == nil {
			ok++
			continue
		}
		s.Equal(dErrors.CodeNotFound, dErrors.CodeOf(err))
	}
	s.Equal(1, ok)
}

func (s *ServiceSuite) TestSweep() {
	s.mustUpdate(s.alice, item("create", "email", "x@example.org"))
	s.mustUpdate(s.bob, item("create", "email", "x@example.org"))
	s.mustUpdate(s.alice, item("delete", "email", "x@example.org"))
	_, err := s.service.Deny(s.ctx(), s.lastToken())
	s.Require().NoError(err)

	s.now = s.now.Add(2 * time.Hour)
	expired, purged, err := s.service.Sweep(s.ctx(), time.Hour)
	s.Require().NoError(err)
	s.Equal(1, expired)
	s.Equal(1, purged)

	s.now = s.now.Add(time.Minute)
	expired, purged, err = s.service.Sweep(s.ctx(), 0)
	s.Require().NoError(err)
	s.Equal(0, expired)
	s.Equal(1, purged)
}
