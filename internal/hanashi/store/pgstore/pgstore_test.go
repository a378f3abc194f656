package pgstore

import (
	"bytes"
	"context"
	"errors"
	"os"
	"testing"

	"github.com/google/uuid"

	"github.com/bdobrica/Hanashi/internal/hanashi/store"
)

func openTest(t *testing.T) *Store {
	t.Helper()
	dsn := os.Getenv("HANASHI_TEST_POSTGRES_DSN")
	if dsn == "" {
		t.Skip("HANASHI_TEST_POSTGRES_DSN not set")
	}
	s, err := New(context.Background(), dsn)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	t.Cleanup(func() { s.Close() })
	return s
}

func TestBlobsAndKeys(t *testing.T) {
	s := openTest(t)
	ctx := context.Background()
	user := "test-" + uuid.NewString()

	if _, ok, err := s.LoadBlob(ctx, user); err != nil || ok {
		t.Fatalf("empty LoadBlob: ok=%v err=%v", ok, err)
	}
	if err := s.SaveBlob(ctx, user, []byte{1}); err != nil {
		t.Fatalf("SaveBlob: %v", err)
	}
	if err := s.SaveBlob(ctx, user, []byte{2}); err != nil {
		t.Fatalf("SaveBlob replace: %v", err)
	}
	got, ok, err := s.LoadBlob(ctx, user)
	if err != nil || !ok || !bytes.Equal(got, []byte{2}) {
		t.Errorf("LoadBlob = %v, %v, %v", got, ok, err)
	}

	if err := s.SaveWrappedKey(ctx, user, []byte("k1")); err != nil {
		t.Fatalf("SaveWrappedKey: %v", err)
	}
	if err := s.SaveWrappedKey(ctx, user, []byte("k2")); !errors.Is(err, store.ErrKeyExists) {
		t.Errorf("second save err = %v, want ErrKeyExists", err)
	}
	k, ok, err := s.LoadWrappedKey(ctx, user)
	if err != nil || !ok || string(k) != "k1" {
		t.Errorf("LoadWrappedKey = %q, %v, %v", k, ok, err)
	}
}
