// Package notify delivers templated emails. Delivery is fire-and-forget: callers never
// wait on, or react to, the outcome of a send.
package notify

import (
	"bytes"
	"context"
	"embed"
	"fmt"
	"html/template"
	"sync"
)

// Template identifiers
const (
	RegisterBuyer          = "register_buyer"
	RegisterSeller         = "register_seller"
	ApprovedBuyer          = "approved_buyer"
	ApprovedSeller         = "approved_seller"
	RejectedBuyer          = "rejected_buyer"
	RejectedSeller         = "rejected_seller"
	RoundOpenedBuyer       = "round_opened_buyer"
	RoundOpenedSeller      = "round_opened_seller"
	RoundClosingSoonBuyer  = "round_closing_soon_buyer"
	RoundClosingSoonSeller = "round_closing_soon_seller"
	CreateBuyOrder         = "create_buy_order"
	CreateSellOrder        = "create_sell_order"
	EditBuyOrder           = "edit_buy_order"
	EditSellOrder          = "edit_sell_order"
	MatchDoneBuyer         = "match_done_has_match_buyer"
	MatchDoneSeller        = "match_done_has_match_seller"
	MatchDoneNoMatch       = "match_done_no_match"
	NewChatMessage         = "new_chat_message"
	NewUserReview          = "new_user_review"
)

// Template arguments
const (
	ArgStartDate = "StartDate"
	ArgEndDate   = "EndDate"
)

// Gateway sends one templated email to a list of recipients
type Gateway interface {
	Send(ctx context.Context, recipients []string, template string, args map[string]string) error
}

var subjects = map[string]string{
	RegisterBuyer:          "Welcome to Roundex!",
	RegisterSeller:         "Welcome to Roundex!",
	ApprovedBuyer:          "Your account has been approved",
	ApprovedSeller:         "Your account has been approved",
	RejectedBuyer:          "Sorry, your account was not approved",
	RejectedSeller:         "Sorry, your account was not approved",
	RoundOpenedBuyer:       "Round Has Opened!",
	RoundOpenedSeller:      "Round Has Opened!",
	RoundClosingSoonBuyer:  "Round will be closing soon!",
	RoundClosingSoonSeller: "Round will be closing soon!",
	CreateBuyOrder:         "Your bid has been created",
	CreateSellOrder:        "Your ask has been created",
	EditBuyOrder:           "Your bid has been edited",
	EditSellOrder:          "Your ask has been edited",
	MatchDoneBuyer:         "You got a match!",
	MatchDoneSeller:        "You got a match!",
	MatchDoneNoMatch:       "We could not find you a match",
	NewChatMessage:         "You've got a new message on Roundex",
	NewUserReview:          "A new user has registered!",
}

//go:embed templates/*.html
var templateFS embed.FS

var (
	parseOnce sync.Once
	parsed    *template.Template
	parseErr  error
)

func templates() (*template.Template, error) {
	parseOnce.Do(func() {
		parsed, parseErr = template.New("").Option("missingkey=error").ParseFS(templateFS, "templates/*.html")
	})
	return parsed, parseErr
}

// Email is a rendered message ready for delivery
type Email struct {
	Subject string
	HTML    string
}

// Render fills a template with args. Every field the template references must be present.
func Render(name string, args map[string]string) (*Email, error) {
	subject, ok := subjects[name]
	if !ok {
		return nil, fmt.Errorf("unknown email template %q", name)
	}
	tmpl, err := templates()
	if err != nil {
		return nil, fmt.Errorf("failed to parse email templates: %w", err)
	}
	if args == nil {
		args = map[string]string{}
	}

	var buf bytes.Buffer
	if err := tmpl.ExecuteTemplate(&buf, name+".html", args); err != nil {
		return nil, fmt.Errorf("failed to render %s: %w", name, err)
	}
	return &Email{Subject: subject, HTML: buf.String()}, nil
}
