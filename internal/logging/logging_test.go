package logging

import (
	"bytes"
	"context"
	"strings"
	"testing"

	"github.com/avenirsoft/crmcore/internal/reqctx"
)

func TestHandler_StampsCorrelationAndCaller(t *testing.T) {
	var buf bytes.Buffer
	logger := New(&buf, "service-clients", "development")

	rc := reqctx.New(reqctx.KindSync, "crm-test1", "user-42")
	ctx := reqctx.NewContext(context.Background(), rc)

	logger.InfoContext(ctx, "client created", "client_id", "cl-1")

	line := buf.String()
	for _, want := range []string{
		"service=service-clients",
		"correlation_id=crm-test1",
		"caller=user-42",
		"client_id=cl-1",
	} {
		if !strings.Contains(line, want) {
			t.Errorf("log line missing %q: %s", want, line)
		}
	}
}

func TestHandler_NoRequestContext(t *testing.T) {
	var buf bytes.Buffer
	logger := New(&buf, "service-clients", "development")

	logger.Info("startup")

	line := buf.String()
	if !strings.Contains(line, "service=service-clients") {
		t.Errorf("missing service tag: %s", line)
	}
	if strings.Contains(line, "correlation_id") {
		t.Errorf("unexpected correlation_id without context: %s", line)
	}
}

func TestNew_ProductionSuppressesDebug(t *testing.T) {
	var buf bytes.Buffer
	logger := New(&buf, "svc", "production")

	logger.Debug("noisy")
	if buf.Len() != 0 {
		t.Errorf("debug not suppressed in production: %s", buf.String())
	}

	logger.Info("kept")
	if !strings.Contains(buf.String(), "kept") {
		t.Error("info should pass in production")
	}
}

func TestNew_DevelopmentKeepsDebug(t *testing.T) {
	var buf bytes.Buffer
	logger := New(&buf, "svc", "development")

	logger.Debug("verbose detail")
	if !strings.Contains(buf.String(), "verbose detail") {
		t.Error("debug should pass outside production")
	}
}

func TestHandler_WithAttrsKeepsStamping(t *testing.T) {
	var buf bytes.Buffer
	logger := New(&buf, "svc", "development").With("component", "bus")

	ctx := reqctx.NewContext(context.Background(), reqctx.New(reqctx.KindAsync, "crm-abc", ""))
	logger.InfoContext(ctx, "subscribed")

	line := buf.String()
	if !strings.Contains(line, "component=bus") || !strings.Contains(line, "correlation_id=crm-abc") {
		t.Errorf("line = %s", line)
	}
}
