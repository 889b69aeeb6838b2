package types

import (
	"bytes"
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"
	"testing"
)

const testSecret = "postgres://mailflow:hunter2@db:5432/mailflow"

func TestSecretString_FormattingNeverLeaks(t *testing.T) {
	s := SecretString(testSecret)

	for _, verb := range []string{"%s", "%v", "%+v", "%#v", "%q"} {
		t.Run(verb, func(t *testing.T) {
			result := fmt.Sprintf(verb, s)
			if strings.Contains(result, "hunter2") {
				t.Errorf("fmt.Sprintf(%s) leaked the raw secret: %s", verb, result)
			}
		})
	}
}

func TestSecretString_MarshalJSON_InStruct(t *testing.T) {
	type dbConfig struct {
		URL  SecretString `json:"url"`
		Name string       `json:"name"`
	}

	data, err := json.Marshal(dbConfig{URL: SecretString(testSecret), Name: "idempotency"})
	if err != nil {
		t.Fatalf("json.Marshal returned error: %v", err)
	}

	result := string(data)
	if strings.Contains(result, "hunter2") {
		t.Errorf("json.Marshal of struct leaked the raw secret: %s", result)
	}
	if !strings.Contains(result, redactedPlaceholder) {
		t.Errorf("json.Marshal of struct did not contain redacted placeholder: %s", result)
	}
}

func TestSecretString_SlogNeverLeaks(t *testing.T) {
	var buf bytes.Buffer
	logger := slog.New(slog.NewJSONHandler(&buf, nil))

	logger.Info("connecting", "dsn", SecretString(testSecret))

	if strings.Contains(buf.String(), "hunter2") {
		t.Errorf("slog output leaked the raw secret: %s", buf.String())
	}
	if !strings.Contains(buf.String(), redactedPlaceholder) {
		t.Errorf("slog output missing placeholder: %s", buf.String())
	}
}

func TestSecretString_UnmaskAndIsSet(t *testing.T) {
	s := SecretString(testSecret)
	if s.Unmask() != testSecret {
		t.Errorf("Unmask() = %q, want %q", s.Unmask(), testSecret)
	}
	if !s.IsSet() {
		t.Error("IsSet() = false for non-empty secret")
	}
	if SecretString("").IsSet() {
		t.Error("IsSet() = true for empty secret")
	}
}
