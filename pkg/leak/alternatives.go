package leak

// safeAlternatives are the fixed user-facing responses substituted when a
// draft is blocked, keyed by what the draft was about to disclose. Never
// echo which record or keyword matched; that teaches callers where the
// boundary sits.
var safeAlternatives = map[string]string{
	"customer_data":   "I can only discuss details of your own account, and only after verification. Is there something about your own account I can help with?",
	"fraud_rules":     "I can't share details about our fraud detection processes. If you believe a transaction is fraudulent, I can help you report it.",
	"internal_models": "I can't share information about our internal scoring or decision models. I'm happy to explain the factors that generally affect lending decisions.",
	"system_info":     "I can't discuss our internal systems. Is there something about your account I can help with instead?",
	"credentials":     "I can't share credentials or security details. If you're locked out of your account, I can guide you through the reset process.",
	"security":        "I can't discuss our security measures. If you have a security concern about your account, I can help you raise it.",
	"internal_policy": "I can't share internal policy documents. I can explain how our published terms apply to your account.",
	"compliance":      "I can't discuss internal compliance procedures. For regulatory questions, our published disclosures are the best source.",
}

const genericAlternative = "I'm not able to share that information. Is there something else I can help you with today?"

// SafeAlternative returns the fixed substitute response for a blocked
// draft in the given category, or the generic refusal.
func SafeAlternative(category string) string {
	if alt, ok := safeAlternatives[category]; ok {
		return alt
	}
	return genericAlternative
}
