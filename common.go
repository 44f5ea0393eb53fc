package ra

// Authorization resources.
const (
	ResourceEnrollment = "certServer.ca.request.enrollment"
	ResourceStatus     = "certServer.ee.request.status"
	ResourceAudit      = "certServer.log.content.signedAudit"
)

// Authorization operations.
const (
	OperationRead     = "read"
	OperationSubmit   = "submit"
	OperationExecute  = "execute"
	OperationAssign   = "assign"
	OperationUnassign = "unassign"
)

// Well-known extension data keys.
const (
	ExtProfileID     = "profileId"
	ExtRequestorName = "requestorName"
	ExtErrorMessage  = "errorMessage"
	ExtClonedFrom    = "clonedFrom"
)
