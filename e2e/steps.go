package e2e

import (
	"github.com/cucumber/godog"

	"dossier/e2e/steps/account"
	"dossier/e2e/steps/application"
	"dossier/e2e/steps/common"
)

// RegisterSteps registers all step definitions from modular packages
func RegisterSteps(ctx *godog.ScenarioContext, tc *TestContext) {
	// Generic requests and assertions
	common.RegisterSteps(ctx, tc)

	// Registration and sign-in
	account.RegisterSteps(ctx, tc)

	// Application lifecycle
	application.RegisterSteps(ctx, tc)
}
