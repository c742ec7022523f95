package ktransport

import (
	"encoding/json"
	"net/http"

	metav1 "k8s.io/apimachinery/pkg/apis/meta/v1"

	"github.com/kr8s-go/kr8s/kerrors"
)

// mapStatusError maps an HTTP status to an error kind: 2xx success;
// 401/403 -> ServerError(status); 404 -> NotFoundError; 408/504 ->
// APITimeoutError; other 4xx/5xx -> ServerError with the parsed Status
// body. body may be nil when the caller hasn't buffered the response yet
// (e.g. CallStream), in which case Causes/Message are left empty.
func mapStatusError(statusCode int, body []byte) error {
	if statusCode >= 200 && statusCode < 300 {
		return nil
	}

	var status metav1.Status
	if len(body) > 0 {
		_ = json.Unmarshal(body, &status)
	}

	if statusCode == http.StatusNotFound {
		kind, name, namespace := "", "", ""
		if status.Details != nil {
			kind = status.Details.Kind
			name = status.Details.Name
		}
		return &kerrors.NotFoundError{Kind: kind, Name: name, Namespace: namespace}
	}

	if statusCode == http.StatusRequestTimeout || statusCode == http.StatusGatewayTimeout {
		return &kerrors.APITimeoutError{Cause: &kerrors.ServerError{StatusCode: statusCode, Reason: string(status.Reason), Message: status.Message}}
	}

	var causes []kerrors.Cause
	if status.Details != nil {
		for _, c := range status.Details.Causes {
			causes = append(causes, kerrors.Cause{Type: string(c.Type), Field: c.Field, Message: c.Message})
		}
	}

	return &kerrors.ServerError{
		StatusCode: statusCode,
		Reason:     string(status.Reason),
		Message:    status.Message,
		Causes:     causes,
	}
}
