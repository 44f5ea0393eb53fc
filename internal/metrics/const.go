package metrics

const Namespace = "kritis3m_ra"

const (
	OutcomeSuccess = "success"
	OutcomeFailure = "failure"
	OutcomeDenied  = "denied"
)

const (
	FormatPlain = "plain"
	FormatCMC   = "cmc"
)
