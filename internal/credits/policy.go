package credits

// DefaultRefundThresholdPct is the pipeline progress below which a failed
// job is fully refunded. Stages before it (script generation) incur
// negligible third-party cost; voice synthesis and image generation at or
// past it have already spent substantially all of the job's real cost.
const DefaultRefundThresholdPct = 30

// Policy decides how much of a failed job's reservation is returned.
// A single tunable threshold, not per-step logic.
type Policy struct {
	ThresholdPct int
}

// NewPolicy returns a Policy with the given threshold, falling back to the
// default for non-positive values.
func NewPolicy(thresholdPct int) Policy {
	if thresholdPct <= 0 {
		thresholdPct = DefaultRefundThresholdPct
	}
	return Policy{ThresholdPct: thresholdPct}
}

// ShouldRefund reports whether a failure at the given progress is cheap
// enough to refund in full. The threshold itself is not refundable.
func (p Policy) ShouldRefund(progress int) bool {
	return progress < p.ThresholdPct
}

// RefundAmount returns the credits owed back for a job that reserved the
// given amount and failed at the given progress: all of it below the
// threshold, nothing at or past it.
func (p Policy) RefundAmount(reserved int64, progress int) int64 {
	if p.ShouldRefund(progress) {
		return reserved
	}
	return 0
}
