package models

// CommandSpec describes, for a single Command, the resource type it targets
// and the dataTypes a crawler should fetch for it. This is the canonical,
// case-sensitive replacement for the source's ad-hoc
// crawlCommandConfig case-insensitive lookup table (spec §9 Open Question 2:
// canonicalized to one camelCase form, exact-match only).
type CommandSpec struct {
	ResourceType ResourceType
	DataTypes    []string
}

// commandSpecs is the exhaustive Command -> CommandSpec mapping. Discovery
// commands carry no fixed resourceId (resolved to nil by the provisioner);
// area-scoped commands resolve resourceId from the area table by fullPath.
var commandSpecs = map[Command]CommandSpec{
	CommandGroupProjectDiscovery: {ResourceType: ResourceTypeDiscovery, DataTypes: []string{"discover_all_groups_projects"}},

	CommandGroup:           {ResourceType: ResourceTypeGroup, DataTypes: []string{"details"}},
	CommandGroupMembers:    {ResourceType: ResourceTypeGroup, DataTypes: []string{"members"}},
	CommandGroupProjects:   {ResourceType: ResourceTypeGroup, DataTypes: []string{"groupProjects"}},
	CommandGroupSubgroups:  {ResourceType: ResourceTypeGroup, DataTypes: []string{"groupSubgroups"}},
	CommandGroupIssues:     {ResourceType: ResourceTypeGroup, DataTypes: []string{"issues"}},
	CommandGroupLabels:     {ResourceType: ResourceTypeGroup, DataTypes: []string{"labels"}},
	CommandGroupMilestones: {ResourceType: ResourceTypeGroup, DataTypes: []string{"milestones"}},
	CommandGroupEpics:      {ResourceType: ResourceTypeGroup, DataTypes: []string{"epics"}},

	CommandProject:         {ResourceType: ResourceTypeProject, DataTypes: []string{"details"}},
	CommandProjectMembers:  {ResourceType: ResourceTypeProject, DataTypes: []string{"members"}},
	CommandIssues:          {ResourceType: ResourceTypeProject, DataTypes: []string{"issues"}},
	CommandMergeRequests:   {ResourceType: ResourceTypeProject, DataTypes: []string{"mergeRequests"}},
	CommandBranches:        {ResourceType: ResourceTypeProject, DataTypes: []string{"branches"}},
	CommandPipelines:       {ResourceType: ResourceTypeProject, DataTypes: []string{"pipelines"}},
	CommandCommits:         {ResourceType: ResourceTypeProject, DataTypes: []string{"commits"}},
	CommandReleases:        {ResourceType: ResourceTypeProject, DataTypes: []string{"releases"}},
	CommandVulnerabilities: {ResourceType: ResourceTypeProject, DataTypes: []string{"vulnerabilities"}},
	CommandTimelogs:        {ResourceType: ResourceTypeProject, DataTypes: []string{"timelogs"}},
	CommandLabels:          {ResourceType: ResourceTypeProject, DataTypes: []string{"labels"}},
	CommandMilestones:      {ResourceType: ResourceTypeProject, DataTypes: []string{"milestones"}},
	CommandDeployTokens:    {ResourceType: ResourceTypeProject, DataTypes: []string{"deployTokens"}},

	CommandAuthorizationScope: {ResourceType: ResourceTypeInstance, DataTypes: []string{"authorizationScope"}},
}

// Spec looks up the CommandSpec for c. The zero value (empty ResourceType)
// signals an unknown command.
func (c Command) Spec() (CommandSpec, bool) {
	spec, ok := commandSpecs[c]
	return spec, ok
}

// GroupCommands is the command set spawned for every newly discovered
// group area, per spec §4.7. Richer variants (labels, milestones, epics)
// are included, matching SPEC_FULL.md's instruction to supplement beyond
// the spec's "at minimum" floor.
var GroupCommands = []Command{
	CommandGroup,
	CommandGroupMembers,
	CommandGroupProjects,
	CommandGroupSubgroups,
	CommandGroupIssues,
	CommandGroupLabels,
	CommandGroupMilestones,
	CommandGroupEpics,
}

// ProjectCommands is the command set spawned for every newly discovered
// project area, per spec §4.7.
var ProjectCommands = []Command{
	CommandProject,
	CommandProjectMembers,
	CommandIssues,
	CommandMergeRequests,
	CommandBranches,
	CommandPipelines,
	CommandCommits,
	CommandReleases,
	CommandVulnerabilities,
	CommandLabels,
	CommandMilestones,
}

// CommandsForAreaType returns the command set spawned when an area of the
// given type is discovered.
func CommandsForAreaType(t AreaType) []Command {
	switch t {
	case AreaTypeGroup:
		return GroupCommands
	case AreaTypeProject:
		return ProjectCommands
	default:
		return nil
	}
}
