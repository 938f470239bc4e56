package models

import "time"

// JobStatus is the lifecycle state of a Job.
type JobStatus string

const (
	JobStatusQueued   JobStatus = "queued"
	JobStatusRunning  JobStatus = "running"
	JobStatusPaused   JobStatus = "paused"
	JobStatusFinished JobStatus = "finished"
	JobStatusFailed   JobStatus = "failed"
)

// Command names a crawl operation. Values mirror the wire-level command
// enumeration in the external interface: discovery, group-scoped,
// project-scoped, and authorization-scoped commands.
type Command string

const (
	CommandGroupProjectDiscovery Command = "GROUP_PROJECT_DISCOVERY"

	CommandGroup           Command = "group"
	CommandGroupMembers    Command = "groupMembers"
	CommandGroupProjects   Command = "groupProjects"
	CommandGroupIssues     Command = "groupIssues"
	CommandGroupSubgroups  Command = "groupSubgroups"
	CommandGroupLabels     Command = "groupLabels"
	CommandGroupMilestones Command = "groupMilestones"
	CommandGroupEpics      Command = "groupEpics"

	CommandProject         Command = "project"
	CommandProjectMembers  Command = "projectMembers"
	CommandIssues          Command = "issues"
	CommandMergeRequests   Command = "mergeRequests"
	CommandBranches        Command = "branches"
	CommandPipelines       Command = "pipelines"
	CommandCommits         Command = "commits"
	CommandReleases        Command = "releases"
	CommandVulnerabilities Command = "vulnerabilities"
	CommandTimelogs        Command = "timelogs"
	CommandLabels          Command = "labels"
	CommandMilestones      Command = "milestones"
	CommandDeployTokens    Command = "deployTokens"

	CommandAuthorizationScope Command = "authorizationScope"
)

// discoveryCommands is the set of commands whose purpose is enumerating
// child areas, per the glossary definition of "Discovery".
var discoveryCommands = map[Command]bool{
	CommandGroupProjectDiscovery: true,
	CommandGroupProjects:         true,
	CommandGroupSubgroups:        true,
}

// IsDiscovery reports whether this command is a discovery command.
func (c Command) IsDiscovery() bool {
	return discoveryCommands[c]
}

// DataTypeProgress tracks per-dataType pagination state within a job's
// resumeState and progress counters.
type DataTypeProgress struct {
	AfterCursor *string `json:"afterCursor,omitempty"`
	LastAttempt *int64  `json:"lastAttempt,omitempty"`
	ErrorCount  int     `json:"errorCount,omitempty"`
	Total       int     `json:"total,omitempty"`
}

// Job is the unit of work tracked by the Job Store Adapter.
type Job struct {
	ID         string    `json:"id" boltholdKey:"ID"`
	Command    Command   `json:"command" boltholdIndex:"Command"`
	Status     JobStatus `json:"status" boltholdIndex:"Status"`
	AccountID  string    `json:"accountId" boltholdIndex:"AccountID"`
	ProviderID string    `json:"providerId"`
	UserID     string    `json:"userId"`
	FullPath   string    `json:"fullPath,omitempty" boltholdIndex:"FullPath"`

	GitlabGraphQLURL string `json:"gitlabGraphQLUrl,omitempty"`
	Branch           string `json:"branch,omitempty"`
	From             string `json:"from,omitempty"`
	To               string `json:"to,omitempty"`

	// ResumeState is opaque to the store; its shape is documented in
	// SPEC_FULL.md / spec.md §6 and interpreted only by the crawler worker.
	ResumeState map[string]DataTypeProgress `json:"resumeState,omitempty"`

	Progress map[string]DataTypeProgress `json:"progress,omitempty"`

	SpawnedFrom  string `json:"spawnedFrom,omitempty"`
	ErrorMessage string `json:"errorMessage,omitempty"`

	CreatedAt  time.Time  `json:"createdAt"`
	UpdatedAt  time.Time  `json:"updatedAt"`
	StartedAt  *time.Time `json:"startedAt,omitempty"`
	FinishedAt *time.Time `json:"finishedAt,omitempty"`
}

// DuplicateKey returns the (accountId, command, fullPath) tuple used by the
// store to suppress duplicate queued/running jobs.
func (j *Job) DuplicateKey() string {
	return j.AccountID + "\x1f" + string(j.Command) + "\x1f" + j.FullPath
}

// IsActive reports whether the job currently occupies a duplicate-suppression
// slot (queued or running).
func (s JobStatus) IsActive() bool {
	return s == JobStatusQueued || s == JobStatusRunning
}

// AreaType distinguishes a GitLab group from a GitLab project.
type AreaType string

const (
	AreaTypeGroup   AreaType = "group"
	AreaTypeProject AreaType = "project"
)

// Area is a discovered namespace (group or project), keyed by FullPath.
type Area struct {
	FullPath string   `json:"fullPath" boltholdKey:"FullPath"`
	GitlabID string   `json:"gitlabId,omitempty"`
	Name     string   `json:"name"`
	Type     AreaType `json:"type" boltholdIndex:"Type"`
}

// Account is the read-only authorization handle the core consumes to derive
// crawl credentials. It is never written by the core; it arrives with every
// authorization-accepted event and is held only as an attribute the
// provisioner reads.
type Account struct {
	ID                   string     `json:"id"`
	ProviderID           string     `json:"providerId"`
	UserID               string     `json:"userId"`
	AccessToken          string     `json:"accessToken"`
	RefreshToken         string     `json:"refreshToken,omitempty"`
	AccessTokenExpiresAt *time.Time `json:"accessTokenExpiresAt,omitempty"`
}

// OAuthClientCredentials are the settings-derived client_id/client_secret
// pair for a provider, consumed by the Token Refresh Broker.
type OAuthClientCredentials struct {
	ClientID     string
	ClientSecret string
}
