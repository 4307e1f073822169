package middleware

import (
	"encoding/json"
	"testing"
)

func TestRedactAuditBodyOrders(t *testing.T) {
	body := []byte(`{"symbol":"ES","api_key":"sk-live","broker":{"account_id":"DU12345","password":"p"}}`)
	out := redactAuditBody("/v1/orders", body)

	var data map[string]interface{}
	if err := json.Unmarshal([]byte(out), &data); err != nil {
		t.Fatalf("invalid json output: %v", err)
	}
	if data["api_key"] == "sk-live" {
		t.Fatalf("api_key not redacted")
	}
	if broker, ok := data["broker"].(map[string]interface{}); ok {
		if broker["account_id"] == "DU12345" || broker["password"] == "p" {
			t.Fatalf("nested broker creds not redacted")
		}
	}
	if data["symbol"] != "ES" {
		t.Fatalf("non-sensitive field should survive redaction")
	}
}

func TestRedactAuditBodyNonSensitivePath(t *testing.T) {
	body := []byte(`{"ok":true}`)
	out := redactAuditBody("/health", body)
	if out != string(body) {
		t.Fatalf("unexpected redaction on non-sensitive path")
	}
}

func TestRedactAuditBodyInvalidJSON(t *testing.T) {
	body := []byte("not-json")
	out := redactAuditBody("/v1/orders", body)
	if out != "[redacted]" {
		t.Fatalf("expected redacted placeholder for invalid json")
	}
}
