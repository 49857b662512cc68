package worker

import (
	"context"
	"errors"
	"fmt"
	"testing"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/beaconhq/beacon/internal/db"
	"github.com/beaconhq/beacon/internal/targeting"
)

type recordingSender struct {
	channel string
	sent    []*db.DeliveryRecord
	err     error
}

func (r *recordingSender) Send(_ context.Context, rec *db.DeliveryRecord) error {
	r.sent = append(r.sent, rec)
	return r.err
}

func (r *recordingSender) SupportsChannel(channel string) bool {
	return channel == r.channel
}

func TestMultiSender_RoutesByChannel(t *testing.T) {
	email := &recordingSender{channel: db.ChannelEmail}
	sms := &recordingSender{channel: db.ChannelSMS}
	m := NewMultiSender(zap.NewNop(), email, sms)

	rec := &db.DeliveryRecord{ID: uuid.New(), Channel: db.ChannelSMS}
	if err := m.Send(context.Background(), rec); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(sms.sent) != 1 || len(email.sent) != 0 {
		t.Fatalf("record routed to wrong sender: email=%d sms=%d", len(email.sent), len(sms.sent))
	}
}

func TestMultiSender_UnroutableIsPermanent(t *testing.T) {
	m := NewMultiSender(zap.NewNop())

	err := m.Send(context.Background(), &db.DeliveryRecord{ID: uuid.New(), Channel: db.ChannelPush})
	if err == nil {
		t.Fatal("expected error for unroutable channel")
	}
	if _, recoverable := Classify(err); recoverable {
		t.Fatal("a missing sender will not appear on retry")
	}
}

func TestClassify(t *testing.T) {
	cases := []struct {
		name        string
		err         error
		code        string
		recoverable bool
	}{
		{"permanent", Permanent("no_email", errors.New("missing address")), "no_email", false},
		{"transient", Transient("ses_error", errors.New("throttled")), "ses_error", true},
		{"wrapped", fmt.Errorf("send: %w", Permanent("no_device", errors.New("gone"))), "no_device", false},
		{"deadline", context.DeadlineExceeded, "timeout", true},
		{"unclassified", errors.New("mystery"), "send_error", true},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			code, recoverable := Classify(tc.err)
			if code != tc.code || recoverable != tc.recoverable {
				t.Fatalf("expected (%s, %t), got (%s, %t)", tc.code, tc.recoverable, code, recoverable)
			}
		})
	}
}

func TestInAppSender_SupportsStoreBackedChannels(t *testing.T) {
	s := NewInAppSender(zap.NewNop())

	if !s.SupportsChannel(db.ChannelInApp) || !s.SupportsChannel(db.ChannelBanner) {
		t.Fatal("in-app sender must cover in_app and banner")
	}
	if s.SupportsChannel(db.ChannelEmail) {
		t.Fatal("in-app sender must not claim email")
	}
	if err := s.Send(context.Background(), &db.DeliveryRecord{ID: uuid.New(), Channel: db.ChannelInApp}); err != nil {
		t.Fatalf("store-backed send cannot fail: %v", err)
	}
}

type stubContacts struct {
	recipients map[uuid.UUID]*targeting.Recipient
}

func (s *stubContacts) ByID(_ context.Context, id uuid.UUID) (*targeting.Recipient, error) {
	r, ok := s.recipients[id]
	if !ok {
		return nil, db.ErrNotFound
	}
	return r, nil
}

func TestPushSender_ResolvesDeviceFromDirectory(t *testing.T) {
	rid := uuid.New()
	contacts := &stubContacts{recipients: map[uuid.UUID]*targeting.Recipient{
		rid: {ID: rid, DeviceToken: "", Platform: ""},
	}}
	p := &PushSender{contacts: contacts, logger: zap.NewNop()}

	err := p.Send(context.Background(), &db.DeliveryRecord{
		ID:          uuid.New(),
		RecipientID: rid,
		Channel:     db.ChannelPush,
	})
	if err == nil {
		t.Fatal("expected error for recipient without a registered device")
	}
	code, recoverable := Classify(err)
	if code != "no_device" || recoverable {
		t.Fatalf("expected permanent no_device, got (%s, %t)", code, recoverable)
	}
}

func TestPushSender_UnknownRecipientIsPermanent(t *testing.T) {
	p := &PushSender{contacts: &stubContacts{}, logger: zap.NewNop()}

	err := p.Send(context.Background(), &db.DeliveryRecord{
		ID:          uuid.New(),
		RecipientID: uuid.New(),
		Channel:     db.ChannelPush,
	})
	code, recoverable := Classify(err)
	if code != "unknown_recipient" || recoverable {
		t.Fatalf("expected permanent unknown_recipient, got (%s, %t)", code, recoverable)
	}
}

func TestLogSender_CoversExternalChannels(t *testing.T) {
	s := NewLogSender(zap.NewNop())
	for _, ch := range []string{db.ChannelEmail, db.ChannelSMS, db.ChannelPush} {
		if !s.SupportsChannel(ch) {
			t.Fatalf("log sender must cover %s in development", ch)
		}
	}
	if err := s.Send(context.Background(), &db.DeliveryRecord{ID: uuid.New(), Channel: db.ChannelEmail}); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
}
