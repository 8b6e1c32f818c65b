package bot

import (
	"fmt"
	"strconv"
	"strings"
	"time"
)

// handleAdminCommand handles /admin command with subcommands.
// Only the admin user can use this command (defense in depth check).
func (b *Bot) handleAdminCommand(session *UserSession, args string) {
	// Defense in depth: verify caller is admin even though whitelist check passed
	if session.userId != b.adminID {
		return // Silent drop for non-admin users
	}

	parts := strings.Fields(args)
	if len(parts) == 0 {
		session.reply(MsgAdminUsage)
		return
	}

	switch parts[0] {
	case "users":
		if len(parts) < 2 {
			session.reply(MsgAdminUsage)
			return
		}
		b.handleAdminUsersCommand(session, parts[1], parts[2:])
	case "usage":
		b.handleAdminUsageCommand(session, parts[1:])
	default:
		session.reply(MsgAdminUsage)
	}
}

// handleAdminUsersCommand handles /admin users subcommands.
func (b *Bot) handleAdminUsersCommand(session *UserSession, action string, args []string) {
	switch action {
	case "add":
		if len(args) < 1 {
			session.reply(MsgAdminUserAddUsage)
			return
		}
		userID, err := strconv.ParseInt(args[0], 10, 64)
		if err != nil {
			session.reply(MsgAdminUserInvalidID)
			return
		}
		if err := b.store.AddAllowedUser(userID, session.userId); err != nil {
			session.replyWithError(err)
			return
		}
		session.reply(MsgAdminUserAdded, userID)

	case "remove":
		if len(args) < 1 {
			session.reply(MsgAdminUserRemoveUsage)
			return
		}
		userID, err := strconv.ParseInt(args[0], 10, 64)
		if err != nil {
			session.reply(MsgAdminUserInvalidID)
			return
		}
		if err := b.store.RemoveAllowedUser(userID); err != nil {
			session.replyWithError(err)
			return
		}
		session.reply(MsgAdminUserRemoved, userID)

	case "list":
		users, err := b.store.GetAllowedUsers()
		if err != nil {
			session.replyWithError(err)
			return
		}
		if len(users) == 0 {
			session.reply(MsgAdminNoUsers)
			return
		}
		var sb strings.Builder
		sb.WriteString(MsgAdminAllowedUsers)
		for _, u := range users {
			sb.WriteString(fmt.Sprintf("• `%d` (added %s)\n", u.TelegramID, u.AddedAt.Format("2006-01-02")))
		}
		session._reply(sb.String(), false)

	default:
		session.reply(MsgAdminUsage)
	}
}

// handleAdminUsageCommand shows usage of all users, by default for the last 7 days.
func (b *Bot) handleAdminUsageCommand(session *UserSession, args []string) {
	days := 7
	if len(args) > 0 {
		n, err := strconv.Atoi(args[0])
		if err != nil || n < 1 {
			session.reply(MsgAdminInvalidDays)
			return
		}
		days = n
	}

	summary, err := b.store.GetUsageSummary(time.Now().AddDate(0, 0, -days), 0)
	if err != nil {
		session.replyWithError(err)
		return
	}
	session.reply(MsgAdminUsageSummary, days, summary.Calls, summary.Failures,
		summary.InputTokens, summary.OutputTokens, summary.CostUSD)
}
