package reveal

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/sealedbid/auction-engine/internal/handle"
)

// Result is one callback delivery from the confidential-computation
// service: the plaintext values for every handle in the request, in
// request order.
type Result struct {
	RequestID  string
	Plaintexts []decimal.Decimal
}

// Decryptor is the fire-and-forget request side of the
// confidential-computation service. Results arrive asynchronously,
// exactly once per request, with no ordering guarantee.
type Decryptor interface {
	RequestDecryption(ctx context.Context, handles []string) (requestID string, err error)
}

// Sink receives callback deliveries.
type Sink func(ctx context.Context, res Result)

// LocalDecryptor opens plaintext-scheme handles in process and delivers
// results asynchronously through the sink. It stands in for the external
// service in dev and test deployments; handles using a real ciphertext
// scheme are rejected.
type LocalDecryptor struct {
	sink Sink
}

// NewLocalDecryptor creates a local decryptor delivering to sink.
func NewLocalDecryptor(sink Sink) *LocalDecryptor {
	return &LocalDecryptor{sink: sink}
}

// RequestDecryption decodes each handle and schedules an asynchronous
// delivery, mirroring the external service's callback contract.
func (d *LocalDecryptor) RequestDecryption(ctx context.Context, handles []string) (string, error) {
	plaintexts := make([]decimal.Decimal, 0, len(handles))
	for _, h := range handles {
		env, err := handle.Parse(h)
		if err != nil {
			return "", err
		}
		if env.Scheme != handle.SchemePlaintext {
			return "", fmt.Errorf("reveal: local decryptor cannot open %q handles", env.Scheme)
		}
		v, err := decimal.NewFromString(string(env.Payload))
		if err != nil {
			return "", fmt.Errorf("reveal: handle payload is not a number: %w", err)
		}
		plaintexts = append(plaintexts, v)
	}

	requestID := uuid.New().String()

	// Deliver off the caller's goroutine so the callback path is
	// exercised the same way as with the real service.
	go func() {
		d.sink(context.WithoutCancel(ctx), Result{
			RequestID:  requestID,
			Plaintexts: plaintexts,
		})
		slog.Debug("local reveal delivered", "request_id", requestID)
	}()

	return requestID, nil
}
