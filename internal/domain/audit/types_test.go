package audit

import "testing"

func TestRedact(t *testing.T) {
	details := map[string]interface{}{
		"query":        "weather in oslo",
		"password":     "hunter2",
		"api_key":      "sk-123",
		"MyAuthHeader": "Bearer xyz",
		"count":        3,
	}

	redacted := Redact(details)

	if redacted["query"] != "weather in oslo" {
		t.Error("non-sensitive key was modified")
	}
	if redacted["count"] != 3 {
		t.Error("non-string value was modified")
	}
	for _, k := range []string{"password", "api_key", "MyAuthHeader"} {
		if redacted[k] != "***REDACTED***" {
			t.Errorf("%s not redacted: %v", k, redacted[k])
		}
	}

	// Original map untouched.
	if details["password"] != "hunter2" {
		t.Error("Redact mutated its input")
	}
}

func TestRedactEmpty(t *testing.T) {
	if got := Redact(nil); got != nil {
		t.Errorf("Redact(nil) = %v, want nil", got)
	}
}
