package main

const (
	targetFlow = 81

	flowSweptMessage        = "El nivel de Fluzo condensado ha sido alterado"
	consequencesDoneMessage = "Se ha completado Consecuencias Imprevistas"

	flowBelowMessage  = "El valor de fluzo condensado es inferior a la media"
	flowAboveMessage  = "El valor de fluzo condensado es superior a la media"
	flowOnMeanMessage = "¡Estas en la media! No alteres más..."
)

// sweepFlowValue applies the rebalancing rule run when cycle 2 completes.
func sweepFlowValue(f int) int {
	switch {
	case f > 86:
		f -= 10
	case f < 76:
		f += 10
	case f >= 80 && f <= 82:
		f -= 5
	}
	return max(0, f)
}

var flowMeans = map[int]int{2: 78, 3: 81}

// flowGuidance compares a checked flow total with the mean for the cycle.
// Cycles without a mean get no message.
func flowGuidance(cycle, total int) string {
	mean, ok := flowMeans[cycle]
	if !ok {
		return ""
	}
	switch {
	case total < mean:
		return flowBelowMessage
	case total > mean:
		return flowAboveMessage
	default:
		return flowOnMeanMessage
	}
}

// allFlowsAtTarget reports whether every era of every room sits at the target.
// An empty set of rooms does not count.
func allFlowsAtTarget(rooms []*RoomSnapshot) bool {
	if len(rooms) == 0 {
		return false
	}
	for _, r := range rooms {
		for _, era := range Eras {
			if r.Flow[era] != targetFlow {
				return false
			}
		}
	}
	return true
}
