package receipt

import (
	"errors"
	"fmt"
)

var (
	ErrNoReceiptData       = errors.New("receipt: no receipt data")
	ErrNoRemoteReceiptData = errors.New("receipt: no remote receipt data")
	ErrRequestBodyEncode   = errors.New("receipt: encode request body")
	ErrResponse            = errors.New("receipt: bad verification response")
)

// InvalidReceiptError is returned when the endpoint answers with a non-zero
// status. Receipt holds the decoded response.
type InvalidReceiptError struct {
	Receipt Receipt
	Status  Status
}

func (e *InvalidReceiptError) Error() string {
	return fmt.Sprintf("receipt: invalid receipt: status %d (%s)", int(e.Status), e.Status)
}
