package providers

import (
	"context"
	"errors"
	"net/http"

	"github.com/biodoia/hacp/pkg/apperrors"
	"github.com/biodoia/hacp/pkg/models"
)

// Kind identifica il provider dietro un adapter
type Kind = models.ProviderKind

// AgentSpec descrive l'agente da creare su un provider
type AgentSpec struct {
	AgentID      string
	Name         string
	Description  string
	Instructions string
	Capabilities []string
	Operations   []string
}

// Payload è l'input di una richiesta runtime
type Payload struct {
	Input    string            `json:"input"`
	Context  []string          `json:"context,omitempty"` // turni precedenti della sessione
	Metadata map[string]string `json:"metadata,omitempty"`
}

// Response è la risposta di un provider con il segnale di confidenza in [0,1]
type Response struct {
	Content    string  `json:"content"`
	Confidence float64 `json:"confidence"`
}

// Adapter è l'interfaccia uniforme verso un provider di modelli
type Adapter interface {
	// Kind restituisce il provider servito dall'adapter
	Kind() Kind

	// CreateAgent crea le risorse remote e restituisce l'identificativo remoto
	CreateAgent(ctx context.Context, spec AgentSpec) (string, error)

	// Deprovision rimuove le risorse remote; una risorsa già assente non è un errore
	Deprovision(ctx context.Context, remoteID string) error

	// Invoke esegue un'operazione sull'agente remoto
	Invoke(ctx context.Context, remoteID, op string, payload Payload) (*Response, error)
}

// HealthChecker è implementato dagli adapter che supportano un controllo di salute
type HealthChecker interface {
	HealthCheck(ctx context.Context) error
}

// ClassifyStatus traduce uno status HTTP del provider nella tassonomia degli errori
func ClassifyStatus(kind Kind, op string, status int, err error) error {
	switch {
	case status == http.StatusRequestTimeout,
		status == http.StatusConflict,
		status == http.StatusTooManyRequests,
		status >= 500:
		return apperrors.Transient(string(kind), op, err)
	default:
		return apperrors.Permanent(string(kind), op, err)
	}
}

// ClassifyTransport classifica un errore senza risposta HTTP (rete, timeout).
// La cancellazione del chiamante viene restituita invariata.
func ClassifyTransport(kind Kind, op string, err error) error {
	if err == nil || errors.Is(err, context.Canceled) {
		return err
	}
	return apperrors.Transient(string(kind), op, err)
}
