package exchange

// Transaction reply status codes.
const (
	ReplySent             = 0
	ReplyReceived         = 1
	ReplyGatewayError     = 2
	ReplyExecuted         = 3
	ReplyExchangeRejected = 4
	ReplyCheckFailed      = 5
	ReplyLimitsFailed     = 6
	ReplyUnsupported      = 10
	ReplySignatureError   = 11
	ReplyTimeout          = 12
	ReplyCrossTrade       = 13
	ReplyNotAccepted      = 14
	ReplyAcceptedAdjusted = 15
	ReplyManualRejected   = 16
)

// Bucket groups reply status codes by what they mean for the order.
type Bucket int

const (
	BucketUnknown Bucket = iota
	BucketPending
	BucketAccepted
	BucketRejected
	BucketMargin
)

func (b Bucket) String() string {
	switch b {
	case BucketPending:
		return "pending"
	case BucketAccepted:
		return "accepted"
	case BucketRejected:
		return "rejected"
	case BucketMargin:
		return "margin"
	}
	return "unknown"
}

// Classify maps a reply status code to its bucket.
func Classify(status int) Bucket {
	switch status {
	case ReplySent, ReplyReceived:
		return BucketPending
	case ReplyExecuted, ReplyAcceptedAdjusted:
		return BucketAccepted
	case ReplyGatewayError, ReplyExchangeRejected, ReplyCheckFailed,
		ReplyUnsupported, ReplySignatureError, ReplyTimeout,
		ReplyCrossTrade, ReplyNotAccepted, ReplyManualRejected:
		return BucketRejected
	case ReplyLimitsFailed:
		return BucketMargin
	}
	return BucketUnknown
}
