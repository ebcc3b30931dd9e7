// ABOUTME: Paginated listing of Kubernetes resources across continuation tokens.
// ABOUTME: Trims every item and tolerates expired continuation tokens by returning partial results.

package kube

import (
	"context"
	"fmt"
	"net/http"

	apierrors "k8s.io/apimachinery/pkg/api/errors"
	metav1 "k8s.io/apimachinery/pkg/apis/meta/v1"
	"k8s.io/apimachinery/pkg/apis/meta/v1/unstructured"
)

// PageSize caps the number of items requested per list call
const PageSize int64 = 100

// ListFunc lists one page of a resource within namespace ("" for cluster scope)
type ListFunc func(ctx context.Context, namespace string, opts metav1.ListOptions) (*unstructured.UnstructuredList, error)

// ListResult holds the accumulated, trimmed items of a paginated list
type ListResult struct {
	Items           []unstructured.Unstructured
	ResourceVersion string
	// Partial is set when pagination stopped on an expired continuation token
	Partial bool
}

// ListAll drains list page by page until the server stops returning a continuation token
func ListAll(ctx context.Context, namespace string, list ListFunc) (*ListResult, error) {
	result := &ListResult{}
	continueToken := ""

	for {
		page, err := list(ctx, namespace, metav1.ListOptions{
			Limit:    PageSize,
			Continue: continueToken,
		})
		if err != nil {
			switch {
			case IsConnectionReset(err):
				if err := sleep(ctx, DefaultRetryDelay); err != nil {
					return nil, err
				}
				continue
			case isRetryableListStatus(err):
				if err := sleep(ctx, RetryAfter(err)); err != nil {
					return nil, err
				}
				continue
			case apierrors.IsGone(err) || StatusCode(err) == http.StatusGone:
				result.Partial = true
				return result, nil
			default:
				return nil, fmt.Errorf("failed to list page in namespace %q: %w", namespace, err)
			}
		}

		for i := range page.Items {
			result.Items = append(result.Items, *Trim(&page.Items[i]))
		}
		result.ResourceVersion = page.GetResourceVersion()

		continueToken = page.GetContinue()
		if continueToken == "" {
			return result, nil
		}
	}
}

func isRetryableListStatus(err error) bool {
	if apierrors.IsTooManyRequests(err) {
		return true
	}
	switch StatusCode(err) {
	case http.StatusTooManyRequests, http.StatusBadGateway, http.StatusServiceUnavailable, http.StatusGatewayTimeout:
		return true
	}
	return false
}
