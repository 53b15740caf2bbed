package notify

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"go.uber.org/zap"
)

func TestSlack_Send(t *testing.T) {
	var got slackMessage
	var path string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		path = r.URL.Path
		if err := json.NewDecoder(r.Body).Decode(&got); err != nil {
			t.Errorf("decode: %v", err)
		}
		_, _ = w.Write([]byte("ok"))
	}))
	defer srv.Close()

	s, err := NewSlack(srv.URL+"/services/T000/B000/XXXX", time.Second, zap.NewNop())
	if err != nil {
		t.Fatalf("NewSlack() failed: %v", err)
	}

	if err := s.Send(context.Background(), "Rebalance completed"); err != nil {
		t.Fatalf("Send() failed: %v", err)
	}
	if path != "/services/T000/B000/XXXX" {
		t.Errorf("unexpected path %s", path)
	}
	if got.Text != "Rebalance completed" {
		t.Errorf("unexpected text %q", got.Text)
	}
}

func TestSlack_Send_ErrorHidesWebhook(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusForbidden)
		_, _ = w.Write([]byte("invalid_token"))
	}))
	defer srv.Close()

	s, err := NewSlack(srv.URL+"/services/secret", 0, nil)
	if err != nil {
		t.Fatalf("NewSlack() failed: %v", err)
	}

	err = s.Send(context.Background(), "hello")
	if err == nil {
		t.Fatal("expected error")
	}
	if strings.Contains(err.Error(), "secret") {
		t.Fatalf("error leaks webhook path: %v", err)
	}
	if !strings.Contains(err.Error(), "403") {
		t.Fatalf("error should carry the status: %v", err)
	}
}

func TestNewSlack_InvalidURL(t *testing.T) {
	if _, err := NewSlack("not a url", 0, nil); err == nil {
		t.Fatal("expected error")
	}
}

type fakePublisher struct {
	subject    string
	data       []byte
	publishErr error
	flushErr   error
}

func (p *fakePublisher) Publish(subj string, data []byte) error {
	p.subject = subj
	p.data = data
	return p.publishErr
}

func (p *fakePublisher) FlushWithContext(context.Context) error {
	return p.flushErr
}

func TestNATS_Send(t *testing.T) {
	pub := &fakePublisher{}
	n, err := NewNATS(pub, "rebalancer.completed")
	if err != nil {
		t.Fatalf("NewNATS() failed: %v", err)
	}
	n.now = func() time.Time { return time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC) }

	if err := n.Send(context.Background(), "done"); err != nil {
		t.Fatalf("Send() failed: %v", err)
	}
	if pub.subject != "rebalancer.completed" {
		t.Errorf("unexpected subject %s", pub.subject)
	}

	var msg Message
	if err := json.Unmarshal(pub.data, &msg); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if msg.Text != "done" || !msg.SentAt.Equal(time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC)) {
		t.Errorf("unexpected message %+v", msg)
	}
}

func TestNATS_Send_Errors(t *testing.T) {
	boom := errors.New("connection closed")

	n, _ := NewNATS(&fakePublisher{publishErr: boom}, "s")
	if err := n.Send(context.Background(), "x"); !errors.Is(err, boom) {
		t.Errorf("expected publish error, got %v", err)
	}

	n, _ = NewNATS(&fakePublisher{flushErr: boom}, "s")
	if err := n.Send(context.Background(), "x"); !errors.Is(err, boom) {
		t.Errorf("expected flush error, got %v", err)
	}

	if _, err := NewNATS(&fakePublisher{}, ""); err == nil {
		t.Error("expected error for empty subject")
	}
}

type recordingNotifier struct {
	texts []string
	err   error
}

func (r *recordingNotifier) Send(_ context.Context, text string) error {
	r.texts = append(r.texts, text)
	return r.err
}

func TestMulti_Send(t *testing.T) {
	boom := errors.New("slack down")
	failing := &recordingNotifier{err: boom}
	ok := &recordingNotifier{}

	err := Multi{failing, ok}.Send(context.Background(), "report")
	if !errors.Is(err, boom) {
		t.Fatalf("expected joined error, got %v", err)
	}
	if len(ok.texts) != 1 || ok.texts[0] != "report" {
		t.Fatal("a failing notifier must not stop the others")
	}
}

func TestCombine(t *testing.T) {
	if Combine() != nil {
		t.Error("expected nil for no notifiers")
	}
	one := &recordingNotifier{}
	if Combine(nil, one) != one {
		t.Error("expected the single notifier")
	}
	if _, ok := Combine(one, &recordingNotifier{}).(Multi); !ok {
		t.Error("expected Multi for several notifiers")
	}
}
