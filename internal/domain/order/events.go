package order

// DestinationNewItems is the bus destination that receives OrderPlaced events.
const DestinationNewItems = "new_items"

type PlacedItem struct {
	ProductID string `json:"productId"`
	Count     int    `json:"count"`
}

// OrderPlacedEvent is the projection of a persisted order handed to inventory reservation.
type OrderPlacedEvent struct {
	OrderID string       `json:"orderId"`
	Items   []PlacedItem `json:"items"`
}

func (OrderPlacedEvent) EventName() string { return DestinationNewItems }

// Key partitions events of the same order together.
func (e OrderPlacedEvent) Key() string { return e.OrderID }

// NewOrderPlacedEvent derives the event from o, which must already carry its assigned id.
func NewOrderPlacedEvent(o *Order) OrderPlacedEvent {
	items := make([]PlacedItem, 0, len(o.Items))
	for _, it := range o.Items {
		items = append(items, PlacedItem{ProductID: it.ProductID, Count: it.Count})
	}
	return OrderPlacedEvent{
		OrderID: o.ID.String(),
		Items:   items,
	}
}
