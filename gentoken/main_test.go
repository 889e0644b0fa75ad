package main

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/bytedance/sonic"

	"todo-registry/api"
)

func TestSubjectsFor(t *testing.T) {
	tests := []struct {
		name    string
		count   int
		start   int
		args    []string
		want    []string
		wantErr bool
	}{
		{name: "single", count: 1, start: 1, want: []string{"dev"}},
		{name: "explicit", count: 1, start: 1, args: []string{"alice"}, want: []string{"alice"}},
		{name: "many", count: 3, start: 5, want: []string{"dev-5", "dev-6", "dev-7"}},
		{name: "explicit with many", count: 2, start: 1, args: []string{"alice"}, wantErr: true},
		{name: "zero count", count: 0, start: 1, wantErr: true},
		{name: "zero start", count: 1, start: 0, wantErr: true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := subjectsFor(tt.count, "dev", tt.start, tt.args)
			if tt.wantErr {
				if err == nil {
					t.Fatalf("expected error")
				}
				return
			}
			if err != nil {
				t.Fatalf("unexpected error: %v", err)
			}
			if len(got) != len(tt.want) {
				t.Fatalf("got %v, want %v", got, tt.want)
			}
			for i := range got {
				if got[i] != tt.want[i] {
					t.Fatalf("got %v, want %v", got, tt.want)
				}
			}
		})
	}
}

func TestMintedTokensVerify(t *testing.T) {
	secret := []byte("shared")
	tokens, err := mintTokens(secret, "api://todos", "https://tenant/", []string{"alice", "bob"}, time.Hour, time.Now())
	if err != nil {
		t.Fatalf("mint: %v", err)
	}
	auth := api.NewHS256Auth(secret, "api://todos", "https://tenant/")
	for i, want := range []string{"alice", "bob"} {
		sub, err := auth.UserIDFromAuthHeader("Bearer " + tokens[i])
		if err != nil {
			t.Fatalf("verify %s: %v", want, err)
		}
		if sub != want {
			t.Fatalf("got subject %q, want %q", sub, want)
		}
	}
}

func TestWriteTokens(t *testing.T) {
	path := filepath.Join(t.TempDir(), "nested", "tokens.json")
	if err := writeTokens(path, []string{"a.b.c"}); err != nil {
		t.Fatalf("write: %v", err)
	}
	data, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("read: %v", err)
	}
	var got []string
	if err := sonic.Unmarshal(data, &got); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if len(got) != 1 || got[0] != "a.b.c" {
		t.Fatalf("unexpected tokens %v", got)
	}
}
