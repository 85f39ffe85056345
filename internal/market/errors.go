package market

import "errors"

// ErrBidUpdateRejected reports that the market server refused to record a bid payment.
var ErrBidUpdateRejected = errors.New("market.bid_update_rejected")
