package models

import "github.com/go-playground/validator/v10"

var validate = validator.New()

// Destination identifies the intended recipient of an Envelope.
type Destination string

const (
	DestinationCrawler    Destination = "crawler"
	DestinationBackend    Destination = "backend"
	DestinationSupervisor Destination = "supervisor"
	DestinationBroadcast  Destination = "broadcast"
)

// EnvelopeType selects the processing pipeline a message is routed through.
type EnvelopeType string

const (
	EnvelopeTypeMessage      EnvelopeType = "message"
	EnvelopeTypeCommand      EnvelopeType = "command"
	EnvelopeTypeHeartbeat    EnvelopeType = "heartbeat"
	EnvelopeTypeStateChange  EnvelopeType = "stateChange"
	EnvelopeTypeSubscription EnvelopeType = "subscription"
)

// Key names the handler that processes a message/command envelope.
type Key string

const (
	KeyHeartbeat            Key = "heartbeat"
	KeyStatusUpdate         Key = "statusUpdate"
	KeyJobUpdate            Key = "jobUpdate"
	KeyJobFailureLogs       Key = "JOB_FAILURE_LOGS"
	KeyTokenRefreshRequest  Key = "TOKEN_REFRESH_REQUEST"
	KeyTokenRefreshResponse Key = "TOKEN_REFRESH_RESPONSE"
	KeyRegister             Key = "register"

	KeyStartJob       Key = "START_JOB"
	KeyPauseCrawler   Key = "PAUSE_CRAWLER"
	KeyResumeCrawler  Key = "RESUME_CRAWLER"
	KeyGetStatus      Key = "GET_STATUS"
	KeyShutdown       Key = "SHUTDOWN"

	KeyAreaDiscovered Key = "AREA_DISCOVERED"
)

// Envelope is the single wire-level message shape for the IPC bus, matching
// the external interface documented in spec §6.
type Envelope struct {
	Origin      string       `json:"origin" validate:"required"`
	Destination Destination  `json:"destination" validate:"required"`
	Type        EnvelopeType `json:"type" validate:"required"`
	Key         Key          `json:"key"`
	Payload     interface{}  `json:"payload,omitempty"`
	Timestamp   int64        `json:"timestamp" validate:"required"`
}

// Validate checks the envelope's required fields are populated. Called by
// the frame codec on every inbound frame (spec §4.1): a malformed envelope
// is rejected before it reaches any handler.
func (e *Envelope) Validate() error {
	return validate.Struct(e)
}

// RegisterPayload is sent by a client immediately after connecting.
type RegisterPayload struct {
	ID   string `json:"id"`
	PID  int    `json:"pid"`
	Type string `json:"type"`
}

// HeartbeatPayload is the crawler-to-backend heartbeat body.
type HeartbeatPayload struct {
	Timestamp    int64  `json:"timestamp"`
	ActiveJobs   *int   `json:"active_jobs,omitempty"`
	SystemStatus string `json:"system_status,omitempty"`
}

// StatusUpdatePayload reports the crawler's current run-loop state.
type StatusUpdatePayload struct {
	State         string `json:"state"`
	CurrentJobID  string `json:"currentJobId,omitempty"`
	QueueSize     int    `json:"queueSize"`
	LastHeartbeat int64  `json:"lastHeartbeat"`
}

// JobUpdateStatus is the subset of job outcomes a crawler reports over the
// bus; it deliberately excludes "queued"/"running" (infrastructure-internal).
type JobUpdateStatus string

const (
	JobUpdateCompleted JobUpdateStatus = "completed"
	JobUpdateFailed    JobUpdateStatus = "failed"
	JobUpdatePaused    JobUpdateStatus = "paused"
)

// JobUpdatePayload is emitted by the crawler on job completion, failure or pause.
type JobUpdatePayload struct {
	JobID     string                       `json:"jobId"`
	Status    JobUpdateStatus              `json:"status"`
	Error     string                       `json:"error,omitempty"`
	Progress  map[string]DataTypeProgress  `json:"progress,omitempty"`
	Timestamp int64                        `json:"timestamp"`
}

// JobFailureLogsPayload carries provider-side diagnostic lines for operator
// inspection when a job fails.
type JobFailureLogsPayload struct {
	JobID string   `json:"jobId"`
	Lines []string `json:"lines"`
}

// AreaDiscoveredPayload is sent crawler->backend once per group/project
// node discovered during a GROUP_PROJECT_DISCOVERY pagination loop; the
// crawler never writes through the job store directly (spec ownership), so
// discovery fan-out is relayed to the Orchestrator over the bus.
type AreaDiscoveredPayload struct {
	ParentJobID string `json:"parentJobId"`
	Area        Area   `json:"area"`
}

// TokenRefreshRequestPayload is sent crawler->backend to refresh a token
// mid-job.
type TokenRefreshRequestPayload struct {
	RequestID  string `json:"requestId"`
	ProviderID string `json:"providerId"`
	AccountID  string `json:"accountId"`
	UserID     string `json:"userId"`
}

// TokenRefreshResponsePayload is sent backend->crawler in reply.
type TokenRefreshResponsePayload struct {
	RequestID    string `json:"requestId"`
	Success      bool   `json:"success"`
	AccessToken  string `json:"accessToken,omitempty"`
	RefreshToken string `json:"refreshToken,omitempty"`
	ExpiresAt    *int64 `json:"expiresAt,omitempty"`
	ProviderID   string `json:"providerId,omitempty"`
	Error        string `json:"error,omitempty"`
}

// ResourceType names the kind of GitLab entity a task targets.
type ResourceType string

const (
	ResourceTypeProject   ResourceType = "project"
	ResourceTypeGroup     ResourceType = "group"
	ResourceTypeUser      ResourceType = "user"
	ResourceTypeInstance  ResourceType = "instance"
	ResourceTypeDiscovery ResourceType = "GROUP_PROJECT_DISCOVERY"
)

// TaskCredentials are the OAuth2 credentials hydrated into a task descriptor.
type TaskCredentials struct {
	AccessToken  string `json:"accessToken"`
	RefreshToken string `json:"refreshToken,omitempty"`
	TokenType    string `json:"tokenType"`
	ClientID     string `json:"clientId"`
	ClientSecret string `json:"clientSecret"`
}

// OutputConfig names where the crawler should sink fetched records.
type OutputConfig struct {
	StorageType string `json:"storageType"`
	BasePath    string `json:"basePath"`
	Format      string `json:"format"`
}

// CustomParameters are free-form per-job parameters layered onto a task
// descriptor.
type CustomParameters struct {
	Branch      string                       `json:"branch,omitempty"`
	From        string                       `json:"from,omitempty"`
	To          string                       `json:"to,omitempty"`
	ResumeState map[string]DataTypeProgress `json:"resumeState,omitempty"`
}

// TaskDescriptor is the START_JOB payload — everything a crawler needs to
// execute a job, per spec §6. AccountID/ProviderID/UserID are carried
// alongside the wire shape spec.md documents so the crawler can address a
// TOKEN_REFRESH_REQUEST (spec §4.3) without a second round trip to ask the
// backend who it's crawling on behalf of.
type TaskDescriptor struct {
	TaskID           string           `json:"taskId" validate:"required"`
	Command          Command          `json:"command" validate:"required"`
	GitlabAPIURL     string           `json:"gitlabApiUrl" validate:"required"`
	Credentials      TaskCredentials  `json:"credentials"`
	ResourceType     ResourceType     `json:"resourceType" validate:"required"`
	ResourceID       interface{}      `json:"resourceId,omitempty"`
	DataTypes        []string         `json:"dataTypes"`
	OutputConfig     OutputConfig     `json:"outputConfig"`
	LastProcessedID  string           `json:"lastProcessedId,omitempty"`
	CustomParameters CustomParameters `json:"customParameters"`

	AccountID  string `json:"accountId,omitempty"`
	ProviderID string `json:"providerId,omitempty"`
	UserID     string `json:"userId,omitempty"`
}

// Validate checks the descriptor's required fields before it is sent as a
// START_JOB payload (spec §4.5 buildDescriptor).
func (d *TaskDescriptor) Validate() error {
	return validate.Struct(d)
}

// PageInfo is the cursor-pagination envelope every GraphQL list response
// carries. Absence of PageInfo on the wire is treated as HasNextPage=false.
type PageInfo struct {
	HasNextPage bool    `json:"hasNextPage"`
	EndCursor   *string `json:"endCursor"`
}

// Page is a generic paginated result: a page of raw nodes plus cursor info.
// Node shape is dataType-specific and left as raw JSON for the sink to
// persist opaquely.
type Page struct {
	Nodes    []map[string]interface{} `json:"nodes"`
	PageInfo *PageInfo                `json:"pageInfo,omitempty"`
}
