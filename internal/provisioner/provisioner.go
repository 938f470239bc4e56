// Package provisioner implements the Task Provisioner (C5): picks the next
// runnable job, validates its prerequisites, and hydrates a fully-formed
// task descriptor, per SPEC_FULL.md / spec.md §4.5.
package provisioner

import (
	"fmt"
	"net/url"

	"github.com/ternarybob/arbor"

	"github.com/ternarybob/crawlctl/internal/common"
	"github.com/ternarybob/crawlctl/internal/crawlerr"
	"github.com/ternarybob/crawlctl/internal/models"
	"github.com/ternarybob/crawlctl/internal/store"
)

// AccountStore resolves the read-only authorization handle backing a job.
// Satisfied by whatever persistence layer owns authorizations; the core
// never writes through this interface (spec §1 Out Of Scope).
type AccountStore interface {
	GetAccount(accountID string) (*models.Account, error)
}

// Provisioner is C5: it claims the next runnable job from the store and
// turns it into a START_JOB task descriptor, or marks it failed with a
// typed reason.
type Provisioner struct {
	jobStore   *store.Store
	accounts   AccountStore
	oauth      common.OAuthConfig
	outputBase string
	batchSize  int
	maxBatches int
	logger     arbor.ILogger
}

// New constructs a Provisioner. outputBase is the filesystem root the
// crawler's output sink writes under.
func New(jobStore *store.Store, accounts AccountStore, oauth common.OAuthConfig, outputBase string, batchSize, maxBatches int, logger arbor.ILogger) *Provisioner {
	return &Provisioner{
		jobStore:   jobStore,
		accounts:   accounts,
		oauth:      oauth,
		outputBase: outputBase,
		batchSize:  batchSize,
		maxBatches: maxBatches,
		logger:     logger,
	}
}

// ProvisionNext selects and hydrates at most one task descriptor, per
// spec §4.5. A nil, nil result means nothing is currently runnable — not
// an error. Candidates failing validation are marked failed and skipped
// transparently by the store's claim walk.
func (p *Provisioner) ProvisionNext(commandFilter string) (*models.TaskDescriptor, error) {
	job, err := p.jobStore.ClaimNextRunnable(commandFilter, p.batchSize, p.maxBatches, p.validate)
	if err != nil {
		return nil, err
	}
	if job == nil {
		return nil, nil
	}

	acct, creds, baseURL, err := p.resolve(job)
	if err != nil {
		// Validate already vetted this candidate; a failure here means the
		// world changed between claim and hydrate (e.g. account revoked
		// concurrently). Mark it failed rather than return a half-built
		// descriptor.
		_ = p.jobStore.UpdateJobStatus(job.ID, models.JobStatusFailed, map[string]interface{}{
			"ErrorMessage": err.Error(),
		})
		return nil, nil
	}

	descriptor := p.buildDescriptor(job, acct, creds, baseURL)
	if err := descriptor.Validate(); err != nil {
		_ = p.jobStore.UpdateJobStatus(job.ID, models.JobStatusFailed, map[string]interface{}{
			"ErrorMessage": "built an invalid task descriptor: " + err.Error(),
		})
		return nil, nil
	}
	if p.logger != nil {
		p.logger.Info().Str("jobId", job.ID).Str("command", string(job.Command)).Msg("provisioned task descriptor")
	}
	return descriptor, nil
}

// validate implements the ordered prerequisite chain from spec §4.5,
// returning the first failing reason verbatim as the error message so the
// caller can persist it as Job.ErrorMessage.
func (p *Provisioner) validate(job *models.Job) error {
	acct, err := p.accounts.GetAccount(job.AccountID)
	if err != nil || acct == nil {
		return crawlerr.New(crawlerr.KindJobProcessing, crawlerr.SeverityMedium, "Missing account data")
	}
	if acct.AccessToken == "" {
		return crawlerr.New(crawlerr.KindAuthentication, crawlerr.SeverityMedium, "Missing access token")
	}

	if _, err := p.resolveGitlabBaseURL(job); err != nil {
		return crawlerr.New(crawlerr.KindConfiguration, crawlerr.SeverityMedium, "Missing or invalid GitLab URL configuration")
	}

	providerCfg, ok := p.oauth.Providers[job.ProviderID]
	if !ok || providerCfg.ClientID == "" {
		return crawlerr.New(crawlerr.KindConfiguration, crawlerr.SeverityMedium, "Missing OAuth client credentials")
	}

	if _, known := job.Command.Spec(); !known {
		return crawlerr.New(crawlerr.KindConfiguration, crawlerr.SeverityMedium, fmt.Sprintf("Unknown command %q", job.Command))
	}

	return nil
}

// resolve re-derives everything validate checked, for the one candidate
// that survives the claim walk.
func (p *Provisioner) resolve(job *models.Job) (*models.Account, common.OAuthProviderConfig, string, error) {
	acct, err := p.accounts.GetAccount(job.AccountID)
	if err != nil || acct == nil {
		return nil, common.OAuthProviderConfig{}, "", crawlerr.New(crawlerr.KindJobProcessing, crawlerr.SeverityMedium, "Missing account data")
	}
	baseURL, err := p.resolveGitlabBaseURL(job)
	if err != nil {
		return nil, common.OAuthProviderConfig{}, "", err
	}
	creds, ok := p.oauth.Providers[job.ProviderID]
	if !ok {
		return nil, common.OAuthProviderConfig{}, "", crawlerr.New(crawlerr.KindConfiguration, crawlerr.SeverityMedium, "Missing OAuth client credentials")
	}
	return acct, creds, baseURL, nil
}

// resolveGitlabBaseURL derives the origin GitLab is reached at, preferring
// the job's own gitlabGraphQLUrl, then provider defaults, per spec §4.5
// step 3.
func (p *Provisioner) resolveGitlabBaseURL(job *models.Job) (string, error) {
	if job.GitlabGraphQLURL != "" {
		u, err := url.Parse(job.GitlabGraphQLURL)
		if err == nil && u.Scheme != "" && u.Host != "" {
			return u.Scheme + "://" + u.Host, nil
		}
	}

	if job.ProviderID == "gitlabCloud" {
		return "https://gitlab.com", nil
	}

	if cfg, ok := p.oauth.Providers[job.ProviderID]; ok && cfg.BaseURL != "" {
		return cfg.BaseURL, nil
	}

	return "", crawlerr.New(crawlerr.KindConfiguration, crawlerr.SeverityMedium, "Missing or invalid GitLab URL configuration")
}

// buildDescriptor hydrates the START_JOB payload, resolving resourceId from
// the area table for area-scoped commands (falling back to fullPath when an
// area row exists without a gitlab_id), per spec §4.5 step 5.
func (p *Provisioner) buildDescriptor(job *models.Job, acct *models.Account, creds common.OAuthProviderConfig, baseURL string) *models.TaskDescriptor {
	spec, _ := job.Command.Spec()

	var resourceID interface{}
	if spec.ResourceType != models.ResourceTypeDiscovery && job.FullPath != "" {
		resourceID = job.FullPath
		if area, err := p.jobStore.GetArea(job.FullPath); err == nil && area.GitlabID != "" {
			resourceID = area.GitlabID
		}
	}

	return &models.TaskDescriptor{
		TaskID:       job.ID,
		Command:      job.Command,
		GitlabAPIURL: baseURL + "/api/graphql",
		Credentials: models.TaskCredentials{
			AccessToken:  acct.AccessToken,
			RefreshToken: acct.RefreshToken,
			TokenType:    "oauth2",
			ClientID:     creds.ClientID,
			ClientSecret: creds.ClientSecret,
		},
		ResourceType: spec.ResourceType,
		ResourceID:   resourceID,
		DataTypes:    spec.DataTypes,
		OutputConfig: models.OutputConfig{
			StorageType: "filesystem",
			BasePath:    p.outputBase,
			Format:      "json",
		},
		CustomParameters: models.CustomParameters{
			Branch:      job.Branch,
			From:        job.From,
			To:          job.To,
			ResumeState: job.ResumeState,
		},
		AccountID:  job.AccountID,
		ProviderID: job.ProviderID,
		UserID:     job.UserID,
	}
}
