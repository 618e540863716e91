package render

import (
	"strings"
	"testing"
)

func TestEmail(t *testing.T) {
	engine, err := New()
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}

	tests := []struct {
		name        string
		kind        string
		data        EmailData
		wantSubject string
		contains    []string
		excludes    []string
	}{
		{
			name:        "delivery with link",
			kind:        EmailDelivery,
			data:        EmailData{SessionID: "s1", Link: "https://dl.test/s1.zip", Brand: "Advisor"},
			wantSubject: "Your IT Modernization Reports – s1",
			contains:    []string{"session: s1.", "download it here: https://dl.test/s1.zip", "Advisor"},
		},
		{
			name:        "delivery without link",
			kind:        EmailDelivery,
			data:        EmailData{SessionID: "s2", Brand: "Advisor"},
			wantSubject: "Your IT Modernization Reports – s2",
			contains:    []string{"session: s2."},
			excludes:    []string{"download it here"},
		},
		{
			name:        "expiry",
			kind:        EmailExpiry,
			data:        EmailData{SessionID: "s3", Brand: "Advisor"},
			wantSubject: "[Session Expired] Reports Deleted – s3",
			contains:    []string{"No confirmation was received for session s3.", "re-upload"},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			subject, body, err := engine.Email(tt.kind, tt.data)
			if err != nil {
				t.Fatalf("Email() error = %v", err)
			}
			if subject != tt.wantSubject {
				t.Fatalf("subject = %q, want %q", subject, tt.wantSubject)
			}
			for _, s := range tt.contains {
				if !strings.Contains(body, s) {
					t.Fatalf("body missing %q:\n%s", s, body)
				}
			}
			for _, s := range tt.excludes {
				if strings.Contains(body, s) {
					t.Fatalf("body unexpectedly contains %q:\n%s", s, body)
				}
			}
		})
	}
}

func TestEmailUnknownKind(t *testing.T) {
	engine, err := New()
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}
	if _, _, err := engine.Email("welcome", EmailData{}); err == nil {
		t.Fatal("Email() with an unknown kind should fail")
	}
}
