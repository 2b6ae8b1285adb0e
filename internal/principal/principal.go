package principal

type Kind int           // principal kind (operator|service_account)
type CredentialType int // principal credential type (login|session|bearer)

type Principal struct {
	ID             string // username for operators, token label for service accounts
	PrincipalType  Kind
	CredentialType CredentialType
}

const (
	Operator       Kind = iota // procd operator (username/password)
	ServiceAccount             // API token holder
	Anonymous                  // auth disabled
)

const (
	Login   CredentialType = iota // Auth via login form (username/password)
	Session                       // Auth via cookie-based session
	Bearer                        // Auth via http bearer (token)
	None                          // No credentials checked
)

func (k Kind) String() string {
	switch k {
	case Operator:
		return "operator"
	case ServiceAccount:
		return "service_account"
	case Anonymous:
		return "anonymous"
	default:
		return "unknown"
	}
}

func (a CredentialType) String() string {
	switch a {
	case Login:
		return "login"
	case Session:
		return "session"
	case Bearer:
		return "bearer"
	case None:
		return "none"
	default:
		return "unknown"
	}
}
