// Package fixtures holds the identities and payloads shared by admission
// tests so the same workspace, issuer and addon key appear everywhere.
package fixtures

const (
	Issuer       = "clockify"
	Audience     = "rules-addon"
	AddonKey     = "rules-addon"
	OtherAddon   = "overtime-addon"
	TokenType    = "addon"
	WorkspaceID  = "ws-1"
	OtherWS      = "ws-2"
	InstallToken = "install-secret-ws-1"
	APIBaseURL   = "https://api.clockify.test/api"
)

// WebhookBody is a representative time-entry webhook payload.
const WebhookBody = `{"workspaceId":"ws-1","event":"NEW_TIME_ENTRY","timeEntry":{"id":"te-1","description":"standup"}}`

// TestDBName is the database the token store tests run against.
const TestDBName = "addon"
