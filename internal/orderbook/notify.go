package orderbook

// Kind enumerates the notifications an Engine emits.
type Kind int

const (
	BidNewLevel Kind = iota
	BidRemovedLevel
	AskNewLevel
	AskRemovedLevel
	BidQuantityUpdated
	AskQuantityUpdated
	DepthUpdateDropped
	DepthUpdateProcessed
	BestBidChanged
	BestAskChanged
	Error
)

func (k Kind) String() string {
	switch k {
	case BidNewLevel:
		return "bid-new-level"
	case BidRemovedLevel:
		return "bid-removed-level"
	case AskNewLevel:
		return "ask-new-level"
	case AskRemovedLevel:
		return "ask-removed-level"
	case BidQuantityUpdated:
		return "bid-quantity-updated"
	case AskQuantityUpdated:
		return "ask-quantity-updated"
	case DepthUpdateDropped:
		return "depth-update-dropped"
	case DepthUpdateProcessed:
		return "depth-update-processed"
	case BestBidChanged:
		return "best-bid-changed"
	case BestAskChanged:
		return "best-ask-changed"
	case Error:
		return "error"
	default:
		return "unknown"
	}
}

// Notification is a single state transition. Which fields are meaningful
// depends on Kind:
//
//	level kinds         Price, Quantity (quantity after the change, 0 on removal)
//	best-*-changed      New, Old
//	depth-update-*      Event, plus Reason when dropped
//	error               Err
type Notification struct {
	Kind     Kind
	Price    float64
	Quantity float64
	New      float64
	Old      float64
	Event    *DepthChangeEvent
	Reason   string
	Err      error
}

// Reasons carried by DepthUpdateDropped notifications.
const (
	DropCovered  = "covered by snapshot"
	DropNoBridge = "does not bridge snapshot"
	DropGap      = "sequence gap"
)

// Listener receives notifications in emission order.
type Listener interface {
	OnNotification(n Notification)
}

type ListenerFunc func(n Notification)

func (f ListenerFunc) OnNotification(n Notification) { f(n) }

func levelKind(side SideKind, c Change) (Kind, bool) {
	switch c {
	case Inserted:
		if side == Bid {
			return BidNewLevel, true
		}
		return AskNewLevel, true
	case Updated:
		if side == Bid {
			return BidQuantityUpdated, true
		}
		return AskQuantityUpdated, true
	case Removed:
		if side == Bid {
			return BidRemovedLevel, true
		}
		return AskRemovedLevel, true
	}
	return 0, false
}

func bestKind(side SideKind) Kind {
	if side == Bid {
		return BestBidChanged
	}
	return BestAskChanged
}
