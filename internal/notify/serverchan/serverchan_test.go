package serverchan

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/linnemanlabs/herald/internal/notify"
)

func TestSend_PostsForm(t *testing.T) {
	t.Parallel()

	var gotPath, gotTitle, gotDesp, gotType string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotPath = r.URL.Path
		gotType = r.Header.Get("Content-Type")
		if err := r.ParseForm(); err != nil {
			t.Errorf("parse form: %v", err)
		}
		gotTitle = r.PostForm.Get("title")
		gotDesp = r.PostForm.Get("desp")
		_, _ = w.Write([]byte(`{"code":0,"message":"","data":{"pushid":"1"}}`))
	}))
	defer srv.Close()

	s := New("SCT123", srv.URL, srv.Client())
	if err := s.Send(context.Background(), notify.Message{Title: "t", Body: "line1\nline2"}); err != nil {
		t.Fatalf("Send: %v", err)
	}
	if gotPath != "/SCT123.send" {
		t.Errorf("path = %q", gotPath)
	}
	if gotType != "application/x-www-form-urlencoded" {
		t.Errorf("content-type = %q", gotType)
	}
	if gotTitle != "t" || gotDesp != "line1\nline2" {
		t.Errorf("form title=%q desp=%q", gotTitle, gotDesp)
	}
}

func TestSend_NonZeroCode(t *testing.T) {
	t.Parallel()

	for _, body := range []string{`{"code":40001,"message":"bad sendkey"}`, `{"message":"no code"}`} {
		srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
			_, _ = w.Write([]byte(body))
		}))
		err := New("SCT", srv.URL, srv.Client()).Send(context.Background(), notify.Message{})
		srv.Close()
		if !errors.Is(err, notify.ErrAPI) {
			t.Errorf("body %s: err = %v, want ErrAPI", body, err)
		}
	}
}

func TestSend_NotConfigured(t *testing.T) {
	t.Parallel()

	err := New("", "", nil).Send(context.Background(), notify.Message{})
	if !errors.Is(err, notify.ErrNotConfigured) {
		t.Fatalf("err = %v, want ErrNotConfigured", err)
	}
}
