package db

import "time"

type Transport string

const (
	TransportStdio Transport = "stdio"
	TransportHTTP  Transport = "http"
)

type ServiceSource string

const (
	SourceManual   ServiceSource = "Manual"
	SourceImported ServiceSource = "Imported"
)

// Service is the McpService row.
type Service struct {
	ID                string
	Name              string
	Transport         Transport
	Command           string
	Args              []string
	Env               map[string]string
	URL               string
	Headers           map[string]string
	Source            ServiceSource
	SourceAdapterID   string
	SourceScope       string
	SourceFile        string
	Enabled           bool
	DefaultToolPolicy *ToolPolicy
	CreatedAt         time.Time
	UpdatedAt         time.Time
}

// ToolPolicyKind is the ToolPolicy tagged union discriminant.
// Inherit exists only as an explicit "fall through to the next level"
// marker — it is never the final answer returned to a caller.
type ToolPolicyKind string

const (
	PolicyInherit  ToolPolicyKind = "Inherit"
	PolicyAllowAll ToolPolicyKind = "AllowAll"
	PolicyCustom   ToolPolicyKind = "Custom"
)

type ToolPolicy struct {
	Kind         ToolPolicyKind
	AllowedTools map[string]struct{}
}

func AllowAllPolicy() ToolPolicy { return ToolPolicy{Kind: PolicyAllowAll} }

func CustomPolicy(tools ...string) ToolPolicy {
	allowed := make(map[string]struct{}, len(tools))
	for _, t := range tools {
		allowed[t] = struct{}{}
	}
	return ToolPolicy{Kind: PolicyCustom, AllowedTools: allowed}
}

func InheritPolicy() ToolPolicy { return ToolPolicy{Kind: PolicyInherit} }

func (p ToolPolicy) Allows(toolName string) bool {
	switch p.Kind {
	case PolicyAllowAll:
		return true
	case PolicyCustom:
		_, ok := p.AllowedTools[toolName]
		return ok
	default:
		return true
	}
}

type PathType string

const (
	PathLocal   PathType = "Local"
	PathVirtual PathType = "Virtual"
	PathRemote  PathType = "Remote"
)

// Project is the Project row.
type Project struct {
	ID           string
	Cwd          string
	Name         string
	PathType     PathType
	PathExists   bool
	GitRemoteURL string
	LastActivity time.Time
	IsEmpty      bool
}

type ProjectPath struct {
	ID        string
	ProjectID string
	Path      string
	IsPrimary bool
}

type ProjectServiceLink struct {
	ProjectID         string
	ServiceID         string
	ConfigOverride    map[string]interface{}
	DetectedAdapterID string
}

type ConfigScope string

const (
	ScopeUser    ConfigScope = "User"
	ScopeProject ConfigScope = "Project"
	ScopeLocal   ConfigScope = "Local"
)

// TakeoverBackup is the TakeoverBackup row.
type TakeoverBackup struct {
	ID           string
	ToolType     string
	Scope        ConfigScope
	ProjectPath  string
	OriginalPath string
	BackupPath   string
	ContentHash  string
	IsActive     bool
	CreatedAt    time.Time
}

// OAuthToken is the OAuthToken row. AccessToken/RefreshToken are
// stored already-encrypted by the caller (internal/oauth); this package
// never sees plaintext tokens.
type OAuthToken struct {
	ServiceID             string
	EncryptedAccessToken  string
	EncryptedRefreshToken string
	TokenType             string
	ExpiresAt             *time.Time
	Scopes                []string
	CreatedAt             time.Time
}

// SessionRecord mirrors the in-memory gateway session for audit/display.
type SessionRecord struct {
	ID                        string
	ProjectContext            string
	CreatedAt                 time.Time
	LastActivity              time.Time
	State                     string
	NegotiatedProtocolVersion string
}
