// Package application drives the application lifecycle over HTTP.
package application

import (
	"context"
	"fmt"

	"github.com/cucumber/godog"
)

// TestContext is the slice of the scenario context these steps use.
type TestContext interface {
	AuthenticateAs(name, role string) error
	POST(path string, body any) error
	POSTWithHeaders(path string, body any, headers map[string]string) error
	PUT(path string, raw []byte) error
	GET(path string, headers map[string]string) error
	GetLastResponseStatus() int
	GetLastResponseBody() []byte
	GetResponseField(field string) (any, error)
	CallbackToken() string
	Remember(name, value string)
	Recall(name string) string
}

// pngHeader is enough content for the blob store; it does not inspect images.
var pngHeader = []byte{0x89, 'P', 'N', 'G', '\r', '\n', 0x1a, '\n'}

func RegisterSteps(ctx *godog.ScenarioContext, tc TestContext) {
	steps := &applicationSteps{tc: tc}
	ctx.Step(`^I create a "([^"]*)" application for "([^"]*)"$`, steps.createApplication)
	ctx.Step(`^I upload the "([^"]*)" attachment$`, steps.uploadAttachment)
	ctx.Step(`^I upload the required attachments for a visa$`, steps.uploadVisaAttachments)
	ctx.Step(`^I initiate a "([^"]*)" payment$`, steps.initiatePayment)
	ctx.Step(`^I upload a payment receipt with reference "([^"]*)"$`, steps.uploadReceipt)
	ctx.Step(`^I (verify the payment|mark the application in progress|approve the application|mark the application collected)$`, steps.transition)
	ctx.Step(`^I reject the application because "([^"]*)"$`, steps.reject)
	ctx.Step(`^I fetch the application$`, steps.fetch)
	ctx.Step(`^I look up the application by confirmation number$`, steps.lookupByConfirmation)
	ctx.Step(`^I download the approved document$`, steps.downloadDocument)
	ctx.Step(`^the document should be a PDF$`, steps.documentShouldBePDF)
	ctx.Step(`^the payment provider reports "([^"]*)" for the application$`, steps.providerCallback)
	ctx.Step(`^the request should succeed$`, steps.shouldSucceed)
}

type applicationSteps struct {
	tc TestContext
}

func (s *applicationSteps) createApplication(_ context.Context, appType, applicant string) error {
	err := s.tc.POST("/applications", map[string]any{
		"type": appType,
		"applicant": map[string]any{
			"first_name":    applicant,
			"last_name":     "Deng",
			"date_of_birth": "1990-04-12",
			"gender":        "female",
			"nationality":   "South Sudanese",
			"email":         applicant + "@example.org",
			"phone":         "+211 920 111 222",
		},
		"extensions": map[string]string{"destination": "Kampala"},
	})
	if err != nil {
		return err
	}
	if s.tc.GetLastResponseStatus() != 201 {
		return fmt.Errorf("create returned %d: %s", s.tc.GetLastResponseStatus(), string(s.tc.GetLastResponseBody()))
	}
	for _, field := range []string{"id", "confirmation_number"} {
		value, err := s.tc.GetResponseField(field)
		if err != nil {
			return err
		}
		s.tc.Remember(field, fmt.Sprint(value))
	}
	return nil
}

func (s *applicationSteps) path(suffix string) string {
	return "/applications/" + s.tc.Recall("id") + suffix
}

func (s *applicationSteps) uploadAttachment(_ context.Context, slot string) error {
	return s.tc.PUT(s.path("/attachments/"+slot), pngHeader)
}

func (s *applicationSteps) uploadVisaAttachments(ctx context.Context) error {
	for _, slot := range []string{"photo", "idCopy"} {
		if err := s.uploadAttachment(ctx, slot); err != nil {
			return err
		}
		if err := s.shouldSucceed(ctx); err != nil {
			return fmt.Errorf("upload %s: %w", slot, err)
		}
	}
	return nil
}

func (s *applicationSteps) initiatePayment(_ context.Context, method string) error {
	return s.tc.POST(s.path("/payment"), map[string]string{"method": method})
}

func (s *applicationSteps) uploadReceipt(_ context.Context, reference string) error {
	receipt := append([]byte("%PDF-1.4 receipt "), []byte(s.tc.Recall("id"))...)
	return s.tc.PUT(s.path("/payment/proof?reference="+reference), receipt)
}

func (s *applicationSteps) transition(_ context.Context, action string) error {
	suffix := map[string]string{
		"verify the payment":               "/payment/verify",
		"mark the application in progress": "/in-progress",
		"approve the application":          "/approve",
		"mark the application collected":   "/collected",
	}[action]
	return s.tc.POST(s.path(suffix), nil)
}

func (s *applicationSteps) reject(_ context.Context, reason string) error {
	return s.tc.POST(s.path("/reject"), map[string]string{"reason": reason})
}

func (s *applicationSteps) fetch(_ context.Context) error {
	return s.tc.GET(s.path(""), nil)
}

func (s *applicationSteps) lookupByConfirmation(_ context.Context) error {
	return s.tc.GET("/applications/by-confirmation/"+s.tc.Recall("confirmation_number"), nil)
}

func (s *applicationSteps) downloadDocument(_ context.Context) error {
	return s.tc.GET(s.path("/document"), nil)
}

func (s *applicationSteps) documentShouldBePDF(_ context.Context) error {
	body := s.tc.GetLastResponseBody()
	if len(body) < 5 || string(body[:5]) != "%PDF-" {
		return fmt.Errorf("document is not a PDF (%d bytes)", len(body))
	}
	return nil
}

func (s *applicationSteps) providerCallback(_ context.Context, outcome string) error {
	token := s.tc.CallbackToken()
	if token == "" {
		return fmt.Errorf("PAYMENT_CALLBACK_TOKEN must match the server to exercise callbacks")
	}
	return s.tc.POSTWithHeaders("/payments/callback", map[string]string{
		"application_id":     s.tc.Recall("id"),
		"provider_reference": "prov-" + s.tc.Recall("id"),
		"outcome":            outcome,
	}, map[string]string{"X-Callback-Token": token})
}

func (s *applicationSteps) shouldSucceed(_ context.Context) error {
	if status := s.tc.GetLastResponseStatus(); status < 200 || status > 299 {
		return fmt.Errorf("expected success, got %d: %s", status, string(s.tc.GetLastResponseBody()))
	}
	return nil
}
