package storage

import (
	"context"
	"errors"
	"fmt"
	"testing"

	"github.com/Azure/azure-sdk-for-go/sdk/azcore"
	"github.com/Azure/azure-sdk-for-go/sdk/data/aztables"
)

func TestAlreadyExists(t *testing.T) {
	tests := []struct {
		name string
		err  error
		code string
		want bool
	}{
		{name: "nil", err: nil, code: queueAlreadyExists, want: false},
		{name: "plain error", err: errors.New("boom"), code: queueAlreadyExists, want: false},
		{name: "queue exists", err: &azcore.ResponseError{StatusCode: 409, ErrorCode: queueAlreadyExists}, code: queueAlreadyExists, want: true},
		{name: "wrapped table exists", err: fmt.Errorf("create: %w", &azcore.ResponseError{StatusCode: 409, ErrorCode: string(aztables.TableAlreadyExists)}), code: string(aztables.TableAlreadyExists), want: true},
		{name: "other conflict", err: &azcore.ResponseError{StatusCode: 409, ErrorCode: "QueueBeingDeleted"}, code: queueAlreadyExists, want: false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := alreadyExists(tt.err, tt.code); got != tt.want {
				t.Fatalf("alreadyExists() = %v, want %v", got, tt.want)
			}
		})
	}
}

func TestCreateQueuesSkipsEmptyNames(t *testing.T) {
	if err := CreateQueues(context.Background(), "not-a-connection-string", "", ""); err != nil {
		t.Fatalf("expected no work for empty names, got %v", err)
	}
}
