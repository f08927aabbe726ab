package validators

import (
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	pkgerrors "github.com/bring2life/bring2life-backend/pkg/errors"
)

type milestoneInput struct {
	Title  string `json:"title" validate:"required,max=20"`
	Amount int64  `json:"amount" validate:"gt=0"`
}

type bidInput struct {
	CommissionID string           `json:"commission_id" validate:"required,uuid4"`
	Milestones   []milestoneInput `json:"milestones" validate:"required,min=1,dive"`
}

func post(body string) *http.Request {
	return httptest.NewRequest(http.MethodPost, "/", strings.NewReader(body))
}

func validationDetails(t *testing.T, err error) map[string]string {
	t.Helper()
	typed := pkgerrors.As(err)
	if typed == nil || typed.Code() != pkgerrors.CodeValidation {
		t.Fatalf("expected a validation error, got %v", err)
	}
	details, _ := typed.Details().(map[string]string)
	return details
}

func TestDecodeJSONBodyAcceptsValidInput(t *testing.T) {
	var in bidInput
	err := DecodeJSONBody(post(`{"commission_id":"1b4e28ba-2fa1-4d3b-a3f5-ef19b5a7633b","milestones":[{"title":"Sketch","amount":300}]}`), &in)
	if err != nil {
		t.Fatalf("DecodeJSONBody: %v", err)
	}
	if len(in.Milestones) != 1 || in.Milestones[0].Amount != 300 {
		t.Fatalf("unexpected decode %+v", in)
	}
}

func TestDecodeJSONBodyReportsNestedFieldsByJSONName(t *testing.T) {
	var in bidInput
	err := DecodeJSONBody(post(`{"commission_id":"nope","milestones":[{"title":"","amount":0}]}`), &in)
	details := validationDetails(t, err)

	want := map[string]string{
		"commission_id":        "must be a UUID",
		"milestones[0].title":  "is required",
		"milestones[0].amount": "must be greater than 0",
	}
	for field, msg := range want {
		if details[field] != msg {
			t.Fatalf("%s: got %q want %q (all: %v)", field, details[field], msg, details)
		}
	}
}

func TestDecodeJSONBodyRejectsMalformedBodies(t *testing.T) {
	for name, body := range map[string]string{
		"empty":          ``,
		"syntax":         `{"commission_id":`,
		"unknown field":  `{"commission_id":"x","price":1}`,
		"wrong type":     `{"milestones":"many"}`,
		"trailing value": `{"commission_id":"x"} {"commission_id":"y"}`,
		"too large":      `{"commission_id":"` + strings.Repeat("a", maxBodyBytes) + `"}`,
	} {
		var in bidInput
		if err := DecodeJSONBody(post(body), &in); pkgerrors.As(err) == nil || pkgerrors.As(err).Code() != pkgerrors.CodeValidation {
			t.Fatalf("%s: expected validation error, got %v", name, err)
		}
	}
}

func TestSanitizeString(t *testing.T) {
	if got := SanitizeString("  Portrait of a heron  ", 0); got != "Portrait of a heron" {
		t.Fatalf("trim: %q", got)
	}
	if got := SanitizeString("Héron", 2); got != "H" {
		t.Fatalf("expected cut before the multi-byte rune, got %q", got)
	}
	if got := SanitizeString("Héron", 3); got != "Hé" {
		t.Fatalf("got %q", got)
	}
}
