package workflow

import (
	"context"
	"crypto/rand"
	"encoding/base64"
	"fmt"
	"strings"

	"github.com/meshcitadel/meshcitadel/internal/auth"
	"github.com/meshcitadel/meshcitadel/internal/bbs"
)

// Registration steps.
const (
	regStepUsername = 1
	regStepDisplay  = 2
	regStepPassword = 3
	regStepTerms    = 4
	regStepIntro    = 5
	regStepConfirm  = 6
)

// minPasswordLen is the registration password floor.
const minPasswordLen = 6

// registerWorkflow creates a new account. The user row exists from step
// 1 on (status provisional) so the username is reserved while the
// dialogue runs; abandonment deletes it.
type registerWorkflow struct{}

func (w *registerWorkflow) Kind() string { return KindRegisterUser }

func (w *registerWorkflow) Start(_ context.Context, wc *Context) ([]bbs.ToUser, error) {
	wc.State.Step = regStepUsername
	return []bbs.ToUser{wc.Reply(bbs.HintText,
		"Choose a username to begin registration.")}, nil
}

func (w *registerWorkflow) Handle(ctx context.Context, wc *Context, input string) ([]bbs.ToUser, error) {
	switch wc.State.Step {
	case regStepUsername:
		return w.handleUsername(ctx, wc, strings.TrimSpace(input))
	case regStepDisplay:
		return w.handleDisplayName(ctx, wc, strings.TrimSpace(input))
	case regStepPassword:
		return w.handlePassword(ctx, wc, input)
	case regStepTerms:
		return w.handleTerms(ctx, wc, strings.TrimSpace(input))
	case regStepIntro:
		return w.handleIntro(ctx, wc, strings.TrimSpace(input))
	case regStepConfirm:
		return w.handleConfirm(ctx, wc, strings.TrimSpace(input))
	default:
		return []bbs.ToUser{wc.Fail(bbs.ErrInvalidStep,
			fmt.Sprintf("Registration is confused (step %d). Type 'cancel' and start over.", wc.State.Step))}, nil
	}
}

func validUsername(name string, maxLen int) bool {
	if len(name) < 3 || (maxLen > 0 && len(name) > maxLen) {
		return false
	}
	for _, r := range name {
		switch {
		case r >= 'a' && r <= 'z':
		case r >= 'A' && r <= 'Z':
		case r >= '0' && r <= '9':
		case r == '_' || r == '-':
		default:
			return false
		}
	}
	return true
}

func (w *registerWorkflow) handleUsername(ctx context.Context, wc *Context, username string) ([]bbs.ToUser, error) {
	if !validUsername(username, wc.Config.Auth.MaxUsernameLength) {
		return []bbs.ToUser{
			wc.Fail(bbs.ErrInvalidUsername,
				"Usernames are 3+ characters: letters, digits, '_' or '-'."),
			wc.Reply(bbs.HintText, "Choose a username to begin registration."),
		}, nil
	}

	taken, err := wc.DB.Users.UsernameExists(ctx, username)
	if err != nil {
		return nil, err
	}
	if taken {
		return []bbs.ToUser{
			wc.Fail(bbs.ErrUsernameTaken, "That username is taken."),
			wc.Reply(bbs.HintText, "Choose a username to begin registration."),
		}, nil
	}

	if max := wc.Config.BBS.MaxUsers; max > 0 {
		count, err := wc.DB.Users.Count(ctx)
		if err != nil {
			return nil, err
		}
		if count >= max {
			wc.Finish()
			return []bbs.ToUser{wc.Fail(bbs.ErrRegistrationCancelled,
				"The board is full; no new registrations right now.")}, nil
		}
	}

	// Reserve the name with a provisional record. The placeholder
	// password is random and never disclosed, so the account cannot be
	// used until step 3 replaces it.
	hash, salt, err := auth.HashPassword(placeholderPassword())
	if err != nil {
		return nil, err
	}
	if err := wc.DB.Users.Create(ctx, username, username, hash, salt,
		bbs.PermUnverified, bbs.StatusProvisional); err != nil {
		return nil, err
	}

	wc.State.Data["username"] = username
	wc.State.Step = regStepDisplay
	if err := wc.Sessions.MarkUsername(wc.SessionID, username); err != nil {
		return nil, err
	}

	// The anonymous token dies with the reservation; the dialogue
	// continues under a fresh one.
	rotated, err := wc.Sessions.Rotate(wc.SessionID)
	if err != nil {
		return nil, err
	}
	wc.SessionID = rotated.ID

	return []bbs.ToUser{wc.Reply(bbs.HintText,
		"Enter a display name (shown on your posts):")}, nil
}

func placeholderPassword() string {
	buf := make([]byte, 24)
	if _, err := rand.Read(buf); err != nil {
		// The constant still never verifies because step 3 overwrites it
		// before the account activates.
		return "!provisional!"
	}
	return base64.RawURLEncoding.EncodeToString(buf)
}

func (w *registerWorkflow) handleDisplayName(ctx context.Context, wc *Context, display string) ([]bbs.ToUser, error) {
	username := wc.State.StringData("username")
	if display == "" {
		display = username
	}
	if err := wc.DB.Users.SetDisplayName(ctx, username, display); err != nil {
		return nil, err
	}
	wc.State.Step = regStepPassword
	return []bbs.ToUser{wc.Reply(bbs.HintPassword,
		fmt.Sprintf("Choose a password (at least %d characters):", minPasswordLen))}, nil
}

func (w *registerWorkflow) handlePassword(ctx context.Context, wc *Context, password string) ([]bbs.ToUser, error) {
	if len(password) < minPasswordLen ||
		(wc.Config.Auth.MaxPasswordLength > 0 && len(password) > wc.Config.Auth.MaxPasswordLength) {
		return []bbs.ToUser{
			wc.Fail(bbs.ErrInvalidPassword,
				fmt.Sprintf("Passwords are %d to %d characters.", minPasswordLen, wc.Config.Auth.MaxPasswordLength)),
			wc.Reply(bbs.HintPassword, "Choose a password:"),
		}, nil
	}

	hash, salt, err := auth.HashPassword(password)
	if err != nil {
		return nil, err
	}
	if err := wc.DB.Users.UpdatePassword(ctx, wc.State.StringData("username"), hash, salt); err != nil {
		return nil, err
	}

	if wc.Config.Registration.TermsRequired {
		wc.State.Step = regStepTerms
		terms := wc.Config.Registration.TermsText
		if terms == "" {
			terms = "You agree to use this board responsibly."
		}
		return []bbs.ToUser{wc.Reply(bbs.HintChoice,
			terms+"\nDo you agree? (yes/no)")}, nil
	}
	wc.State.Step = regStepIntro
	return []bbs.ToUser{wc.Reply(bbs.HintText,
		"Tell us a little about yourself:")}, nil
}

func isYes(s string) bool {
	s = strings.ToLower(s)
	return s == "yes" || s == "y"
}

func (w *registerWorkflow) handleTerms(ctx context.Context, wc *Context, answer string) ([]bbs.ToUser, error) {
	if !isYes(answer) {
		if err := w.Cleanup(ctx, wc); err != nil {
			return nil, err
		}
		wc.Finish()
		return []bbs.ToUser{wc.Fail(bbs.ErrTermsNotAccepted,
			"Registration cancelled: the terms were not accepted.")}, nil
	}
	wc.State.Step = regStepIntro
	return []bbs.ToUser{wc.Reply(bbs.HintText,
		"Tell us a little about yourself:")}, nil
}

func (w *registerWorkflow) handleIntro(ctx context.Context, wc *Context, intro string) ([]bbs.ToUser, error) {
	username := wc.State.StringData("username")
	if err := wc.DB.Users.SetIntro(ctx, username, intro); err != nil {
		return nil, err
	}
	wc.State.Step = regStepConfirm
	return []bbs.ToUser{wc.Reply(bbs.HintChoice,
		fmt.Sprintf("Create account '%s'? (yes/no)", username))}, nil
}

func (w *registerWorkflow) handleConfirm(ctx context.Context, wc *Context, answer string) ([]bbs.ToUser, error) {
	username := wc.State.StringData("username")

	if !isYes(answer) {
		if err := w.Cleanup(ctx, wc); err != nil {
			return nil, err
		}
		wc.Finish()
		return []bbs.ToUser{wc.Fail(bbs.ErrRegistrationCancelled,
			"Registration cancelled.")}, nil
	}

	if err := wc.DB.Users.SetStatus(ctx, username, bbs.StatusActive); err != nil {
		return nil, err
	}
	if err := wc.DB.Validations.Add(ctx, username); err != nil {
		return nil, err
	}

	msgs, err := completeLogin(ctx, wc, username)
	if err != nil {
		return nil, err
	}
	welcome := bbs.ToUser{
		SessionID: wc.SessionID,
		Text: fmt.Sprintf("Account '%s' created. An Aide will validate your registration; "+
			"until then you can read but have limited posting rights.", username),
	}
	return append([]bbs.ToUser{welcome}, msgs...), nil
}

// Cleanup deletes the provisional record and unbinds the username. A
// completed registration (status active) is left alone.
func (w *registerWorkflow) Cleanup(ctx context.Context, wc *Context) error {
	username := wc.State.StringData("username")
	if username == "" {
		return nil
	}
	user, err := wc.DB.Users.Load(ctx, username)
	if err != nil {
		return nil
	}
	if user.Status != bbs.StatusProvisional {
		return nil
	}
	if err := wc.DB.Users.Delete(ctx, username); err != nil {
		return err
	}
	return wc.Sessions.MarkUsername(wc.SessionID, "")
}
