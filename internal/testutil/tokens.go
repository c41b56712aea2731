// Package testutil provides shared fixtures for ticketd tests.
package testutil

// Obviously fake credentials so secret scanners never flag test code.
const (
	// FakeGitHubToken is a placeholder GitHub API token.
	FakeGitHubToken = "test-github-token"

	// FakeAzureOpenAIKey is a placeholder Azure OpenAI api-key.
	FakeAzureOpenAIKey = "test-azure-openai-key"

	// FakeDataPlatformToken is a placeholder data platform bearer token.
	FakeDataPlatformToken = "test-data-platform-token"

	// FakeJWTSecret signs tokens in gateway tests.
	FakeJWTSecret = "test-jwt-secret-at-least-32-bytes!!"

	// FakeWebhookSecret signs outbound webhook payloads in tests.
	FakeWebhookSecret = "test-webhook-secret"
)
