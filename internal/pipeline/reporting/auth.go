package reporting

import (
	"context"
	"crypto/subtle"
	"errors"
	"net/http"

	log "github.com/sirupsen/logrus"

	"github.com/gradepipe/gradepipe/internal/submission"
)

// Rejection is the typed outcome of a failed report authentication. Handlers
// and tests both consume it directly, so the check never hides behind router
// plumbing.
type Rejection struct {
	StatusCode int
	Reason     string
}

// Authenticate resolves a report callback to its submission. The per
// submission token is the only credential on this surface: the caller is an
// ephemeral single purpose job container with no broader identity. A missing
// submission and a wrong token are deliberately indistinguishable to the
// caller.
func Authenticate(ctx context.Context, submissions submission.Repository, submissionId string, token string) (*submission.Submission, *Rejection) {
	if token == "" {
		return nil, &Rejection{StatusCode: http.StatusNotAcceptable, Reason: "missing token"}
	}

	sub, err := submissions.GetByID(ctx, submissionId)
	var notFound *submission.ErrSubmissionNotFound
	if errors.As(err, &notFound) {
		return nil, &Rejection{StatusCode: http.StatusNotAcceptable, Reason: "invalid submission or token"}
	} else if err != nil {
		log.Errorf("Failed to load submission %s for report authentication: %s", submissionId, err)
		return nil, &Rejection{StatusCode: http.StatusInternalServerError, Reason: "internal error"}
	}

	if subtle.ConstantTimeCompare([]byte(sub.Token), []byte(token)) != 1 {
		return nil, &Rejection{StatusCode: http.StatusNotAcceptable, Reason: "invalid submission or token"}
	}
	return sub, nil
}
