// Package account drives registration and sign-in over HTTP.
package account

import (
	"context"
	"fmt"

	"github.com/cucumber/godog"
	"github.com/google/uuid"
)

// TestContext is the slice of the scenario context these steps use.
type TestContext interface {
	POST(path string, body any) error
	GetLastResponseStatus() int
	GetLastResponseBody() []byte
	GetResponseField(field string) (any, error)
	UseAccessToken(token string)
	ClearAuthentication()
	Remember(name, value string)
	Recall(name string) string
}

func RegisterSteps(ctx *godog.ScenarioContext, tc TestContext) {
	steps := &accountSteps{tc: tc}
	ctx.Step(`^I register as "([^"]*)" with password "([^"]*)"$`, steps.register)
	ctx.Step(`^I log in as "([^"]*)" with password "([^"]*)"$`, steps.login)
	ctx.Step(`^I use the issued access token$`, steps.useIssuedToken)
}

type accountSteps struct {
	tc TestContext
}

// register signs up with a fresh email so scenarios can rerun against the
// same database. The email is remembered as {<name>_email}.
func (s *accountSteps) register(_ context.Context, name, password string) error {
	email := fmt.Sprintf("%s+%s@example.org", name, uuid.NewString()[:8])
	s.tc.Remember(name+"_email", email)
	s.tc.ClearAuthentication()
	return s.tc.POST("/auth/register", map[string]string{
		"email":      email,
		"password":   password,
		"first_name": name,
		"last_name":  "Tester",
		"phone":      "+211 900 000 000",
	})
}

func (s *accountSteps) login(_ context.Context, name, password string) error {
	email := s.tc.Recall(name + "_email")
	if email == "" {
		return fmt.Errorf("%q has not registered in this scenario", name)
	}
	s.tc.ClearAuthentication()
	return s.tc.POST("/auth/login", map[string]string{"email": email, "password": password})
}

func (s *accountSteps) useIssuedToken(_ context.Context) error {
	value, err := s.tc.GetResponseField("access_token")
	if err != nil {
		return err
	}
	token, ok := value.(string)
	if !ok || token == "" {
		return fmt.Errorf("no access token in response %d: %s", s.tc.GetLastResponseStatus(), string(s.tc.GetLastResponseBody()))
	}
	s.tc.UseAccessToken(token)
	return nil
}
