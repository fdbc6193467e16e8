package model

import (
	"context"
	"testing"
)

func TestRequestContext_Validate(t *testing.T) {
	tests := []struct {
		name    string
		rc      *RequestContext
		wantErr bool
	}{
		{name: "valid context", rc: &RequestContext{SubjectID: "ops-1"}, wantErr: false},
		{name: "missing SubjectID", rc: &RequestContext{CorrelationID: "c-1"}, wantErr: true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := tt.rc.Validate()
			if (err != nil) != tt.wantErr {
				t.Errorf("Validate() error = %v, wantErr %v", err, tt.wantErr)
			}
		})
	}
}

func TestRequestContext_HasRole(t *testing.T) {
	rc := &RequestContext{Roles: []string{"operator", "auditor"}}
	if !rc.HasRole("operator") {
		t.Error("HasRole(operator) = false, want true")
	}
	if rc.HasRole("admin") {
		t.Error("HasRole(admin) = true, want false")
	}
}

func TestWithRequestContext_and_RequestContextFrom(t *testing.T) {
	rctx := &RequestContext{SubjectID: "ops-1"}
	ctx := WithRequestContext(context.Background(), rctx)
	if got := RequestContextFrom(ctx); got != rctx {
		t.Errorf("RequestContextFrom() = %v, want %v", got, rctx)
	}
	if got := RequestContextFrom(context.Background()); got != nil {
		t.Errorf("RequestContextFrom(empty context) = %v, want nil", got)
	}
}

func TestActorFrom(t *testing.T) {
	if got := ActorFrom(context.Background()); got != AnonymousActor {
		t.Errorf("ActorFrom(empty) = %q, want %q", got, AnonymousActor)
	}
	ctx := WithRequestContext(context.Background(), &RequestContext{SubjectID: "ops-1"})
	if got := ActorFrom(ctx); got != "ops-1" {
		t.Errorf("ActorFrom() = %q, want ops-1", got)
	}
}
