package bot

// =============================================================================
// General messages
// =============================================================================

const (
	MsgOk            = `Ok!`
	MsgUnexpectedErr = `Unexpected error: %s`
	MsgVersionInfo   = "Version: %s\nBuilt: %s"
	MsgStart         = `
		Send me a screenshot of a trading chart and I will score it against the fractal model.

		• Send it as a photo or as an image file
		• /reset clears the current result
		• /history shows your recent analyses
		• /provider changes the analysis provider
	`
	MsgSendChart = "Send a chart image to analyze it."
)

// =============================================================================
// Analysis flow messages
// =============================================================================

const (
	MsgAnalyzing              = "🔍 Analyzing chart..."
	MsgAnalysisInProgress     = "An analysis is already running. Wait for it to finish or /cancel it."
	MsgAnalysisCancelled      = "Analysis cancelled."
	MsgNothingToCancel        = "Nothing to cancel."
	MsgReadyForChart          = "Ready. Send the next chart."
	MsgNotAnImage             = "That file is not an image. Send the chart as a photo or an image file."
	MsgImageTooLarge          = "The image is too large (%s, max %s)."
	MsgErrorNotification      = "⚠️ %s"
	MsgResultHeaderHistory    = "_Analysis from %s_\n\n"
	MsgResultHeaderSuperseded = "_Result for your previous chart:_\n\n"
)

// =============================================================================
// History messages
// =============================================================================

const (
	MsgHistoryEmpty    = "No history yet."
	MsgHistoryTitle    = "*Analysis History* (%s)\n\n"
	MsgHistoryNotFound = "No such analysis. Use /history to list them."
	MsgShowUsage       = "Usage: `/show <number>`"
)

// =============================================================================
// Provider messages
// =============================================================================

const (
	MsgProviderCurrent = "Current provider: *%s*\nAvailable: %s\n\nChange with `/provider <name>`"
	MsgProviderChanged = "✅ Provider changed to *%s*."
	MsgProviderUnknown = "Unknown provider `%s`. Available: %s"
	MsgProviderBusy    = "Wait for the running analysis to finish before changing the provider."
)

// =============================================================================
// Usage messages
// =============================================================================

const (
	MsgUsageSummary = `
		*Usage, last %d days*
		Analyses: %d (%d failed)
		Tokens: %d in / %d out
		Estimated cost: $%.4f
	`
	MsgAdminUsageSummary = `
		*All users, last %d days*
		Analyses: %d (%d failed)
		Tokens: %d in / %d out
		Estimated cost: $%.4f
	`
)

// =============================================================================
// Admin command messages
// =============================================================================

const (
	MsgAdminUsage           = "Usage:\n`/admin users add <user_id>`\n`/admin users remove <user_id>`\n`/admin users list`\n`/admin usage [days]`"
	MsgAdminUserAddUsage    = "Usage: `/admin users add <user_id>`"
	MsgAdminUserRemoveUsage = "Usage: `/admin users remove <user_id>`"
	MsgAdminUserInvalidID   = "Invalid user ID. Give a number."
	MsgAdminUserAdded       = "✅ User `%d` added."
	MsgAdminUserRemoved     = "🗑 User `%d` removed."
	MsgAdminNoUsers         = "No allowed users."
	MsgAdminAllowedUsers    = "*Allowed users:*\n"
	MsgAdminInvalidDays     = "Invalid number of days."
)

// =============================================================================
// Button labels
// =============================================================================

const (
	BtnAnalyzeAnother = "Analyze Another Chart"
	BtnDismiss        = "Dismiss"
)
