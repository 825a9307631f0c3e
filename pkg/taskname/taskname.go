package taskname

const (
	// Points tasks
	PointsTrackerCleanup = "points:tracker:cleanup"

	// Referral tasks
	ReferralExpirySweep = "referral:expiry:sweep"
)
