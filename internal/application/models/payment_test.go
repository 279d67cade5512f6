package models

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	dErrors "dossier/pkg/domain-errors"
)

func TestPayment_ProofLifecycle(t *testing.T) {
	t.Run("decision requires a submitted proof", func(t *testing.T) {
		p := Payment{Status: PaymentPending}
		err := p.CanDecide()
		require.Error(t, err)
		assert.True(t, dErrors.HasCode(err, dErrors.CodeInvalidState))
		assert.False(t, p.AwaitingVerification())
	})

	t.Run("submission moves to awaiting verification", func(t *testing.T) {
		p := Payment{Status: PaymentPending}
		require.NoError(t, p.CanSubmitProof())
		p.ApplyProofSubmission("sha256:abc", "TXN1", testNow)

		assert.True(t, p.AwaitingVerification())
		assert.Equal(t, PaymentPending, p.Status)
		assert.True(t, dErrors.HasCode(p.CanSubmitProof(), dErrors.CodeInvalidState), "second proof while awaiting review")
	})

	t.Run("rejection then resubmission clears the reason", func(t *testing.T) {
		p := Payment{Status: PaymentPending}
		p.ApplyProofSubmission("sha256:abc", "TXN1", testNow)
		require.NoError(t, p.CanDecide())
		p.ApplyRejection("officer-1", "unreadable receipt", testNow)

		assert.Equal(t, PaymentFailed, p.Status)
		assert.Equal(t, "unreadable receipt", p.RejectionReason)
		assert.True(t, dErrors.HasCode(p.CanDecide(), dErrors.CodeInvalidState))

		require.NoError(t, p.CanSubmitProof())
		p.ApplyProofSubmission("sha256:def", "TXN2", testNow)
		assert.Equal(t, PaymentPending, p.Status)
		assert.Empty(t, p.RejectionReason)
		assert.Equal(t, BlobRef("sha256:def"), p.ProofRef)
	})

	t.Run("completed payment refuses every change", func(t *testing.T) {
		p := Payment{Status: PaymentPending}
		p.ApplyProofSubmission("sha256:abc", "TXN1", testNow)
		p.ApplyVerification("officer-1", testNow)

		assert.True(t, dErrors.HasCode(p.CanSubmitProof(), dErrors.CodeInvalidState))
		assert.True(t, dErrors.HasCode(p.CanDecide(), dErrors.CodeInvalidState))
		assert.True(t, dErrors.HasCode(p.CanApplyProviderOutcome(), dErrors.CodeInvalidState))
		assert.True(t, dErrors.HasCode(p.CanInitiate(), dErrors.CodeInvalidState))
	})
}

func TestPayment_ProviderOutcome(t *testing.T) {
	t.Run("success without a proof completes with system verifier", func(t *testing.T) {
		p := Payment{Status: PaymentPending}
		require.NoError(t, p.CanApplyProviderOutcome())
		p.ApplyProviderOutcome(ProviderOutcomeSuccess, "PROV-1", testNow)

		assert.Equal(t, PaymentCompleted, p.Status)
		assert.Equal(t, SystemPaymentProvider, p.VerifiedBy)
		assert.Equal(t, "PROV-1", p.Reference)
	})

	t.Run("failure records a system reason", func(t *testing.T) {
		p := Payment{Status: PaymentPending, Reference: "PAY-X-1"}
		p.ApplyProviderOutcome(ProviderOutcomeFailure, "PROV-2", testNow)

		assert.Equal(t, PaymentFailed, p.Status)
		assert.Contains(t, p.RejectionReason, "PROV-2")
		assert.Equal(t, "PAY-X-1", p.Reference)
	})
}

func TestNormalizeReason(t *testing.T) {
	_, err := NormalizeReason("   ")
	assert.True(t, dErrors.HasCode(err, dErrors.CodeValidation))

	reason, err := NormalizeReason("  blurry photo ")
	require.NoError(t, err)
	assert.Equal(t, "blurry photo", reason)
}

func TestPaymentReference(t *testing.T) {
	assert.Equal(t, "PAY-SS-IMM-1-001-1772359200", PaymentReference("SS-IMM-1-001", testNow))
}
