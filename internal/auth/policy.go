package auth

import "time"

// Next steps the frontend must route the user through after a session
// exists. They are evaluated in order: an expired password blocks
// everything else, unaccepted terms block two-factor enrollment.
const (
	StepNone                      = ""
	StepPasswordExpired           = "password_expired"
	StepTermsRequired             = "terms_required"
	StepTwoFactorSetupRequired    = "two_factor_setup_required"
	StepTwoFactorSetupRecommended = "two_factor_setup_recommended"
)

// Gate is the outcome of the post-authentication policy evaluation.
type Gate struct {
	Step     string
	Deadline *time.Time
	Group    string
}

func (g Gate) Blocking() bool {
	switch g.Step {
	case StepPasswordExpired, StepTermsRequired, StepTwoFactorSetupRequired:
		return true
	}
	return false
}

// Policy holds the instance-wide account policy knobs. Group-level
// two-factor requirements come in per evaluation.
type Policy struct {
	PasswordMaxAge    time.Duration // 0 disables password expiry
	EnforceTerms      bool
	DefaultGraceHours int
}

// Evaluate returns the first unsatisfied gate for the user, or a zero Gate.
// currentTermID is the active terms-of-service document, nil when none is
// published. The grace clock for mandatory two-factor starts at the user's
// first gated sign-in; callers persist OTPGracePeriodStartedAt when
// GraceStartsNow is set on the result of TwoFactorGate.
func (p Policy) Evaluate(u *User, req TwoFactorRequirement, currentTermID *string, now time.Time) Gate {
	if u.PasswordExpired(p.PasswordMaxAge, now) {
		return Gate{Step: StepPasswordExpired}
	}
	if p.termsPending(u, currentTermID) {
		return Gate{Step: StepTermsRequired}
	}
	return p.twoFactorGate(u, req, now)
}

func (p Policy) termsPending(u *User, currentTermID *string) bool {
	if !p.EnforceTerms || currentTermID == nil {
		return false
	}
	return u.AcceptedTermID == nil || *u.AcceptedTermID != *currentTermID
}

func (p Policy) twoFactorGate(u *User, req TwoFactorRequirement, now time.Time) Gate {
	if !req.Required || u.OTPRequiredForLogin {
		return Gate{}
	}

	hours := req.GracePeriodHours
	if hours < 0 {
		hours = p.DefaultGraceHours
	}
	if hours == 0 {
		return Gate{Step: StepTwoFactorSetupRequired, Group: req.GroupName}
	}

	started := u.OTPGracePeriodStartedAt
	if started == nil {
		started = &now
	}
	deadline := started.Add(time.Duration(hours) * time.Hour)
	if now.After(deadline) {
		return Gate{Step: StepTwoFactorSetupRequired, Group: req.GroupName}
	}
	return Gate{Step: StepTwoFactorSetupRecommended, Deadline: &deadline, Group: req.GroupName}
}

// GraceStartsNow reports whether evaluating the two-factor gate for this
// user should start the grace clock, i.e. the requirement applies and no
// clock is running yet.
func GraceStartsNow(u *User, req TwoFactorRequirement) bool {
	return req.Required && !u.OTPRequiredForLogin && u.OTPGracePeriodStartedAt == nil
}
