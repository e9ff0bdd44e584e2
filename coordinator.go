package main

import (
	"context"
	"errors"
	"fmt"
	"log"

	"go.opentelemetry.io/otel/attribute"
)

// Coordinator runs every externally triggered operation as
// load, mutate in memory, persist, derive, publish.
// Nothing is locked across the read-modify-write of a room; concurrent writers
// to one room can lose updates. Global depletion and reserve go through the
// store's atomic increment.
type Coordinator struct {
	graph   *MilestoneGraph
	kv      KeyValueStore
	rooms   *RoomStore
	globals *GlobalState
	victory *VictoryEvaluator
	pub     Publisher
	chooser Chooser
}

func newCoordinator(kv KeyValueStore, graph *MilestoneGraph, pub Publisher, chooser Chooser) *Coordinator {
	rooms := newRoomStore(kv, graph)
	return &Coordinator{
		graph:   graph,
		kv:      kv,
		rooms:   rooms,
		globals: newGlobalState(kv),
		victory: newVictoryEvaluator(rooms),
		pub:     pub,
		chooser: chooser,
	}
}

func checkEra(era Era) error {
	for _, e := range Eras {
		if e == era {
			return nil
		}
	}
	return fmt.Errorf("%w: %q", ErrInvalidEra, era)
}

func requireAdmin(privileged bool) error {
	if !privileged {
		return ErrForbidden
	}
	return nil
}

// announceVictory evaluates the win condition and broadcasts it when met.
func (c *Coordinator) announceVictory(ctx context.Context) bool {
	won := c.victory.Evaluate(ctx)
	if won {
		c.pub.Publish(globalTopic, "victory", map[string]any{"message": victoryMessage})
	}
	return won
}

type RoomView struct {
	ID          int              `json:"id"`
	Labels      map[Era][]string `json:"labels"`
	Milestones  map[Era][]bool   `json:"milestones"`
	Available   map[Era][]bool   `json:"available"`
	Depletion   map[Era]int      `json:"depletion"`
	Reserve     map[Era]int      `json:"reserve"`
	Flow        map[Era]int      `json:"flow"`
	BiffDefeats map[Era]int      `json:"biff_defeats"`
	BiffLocked  map[Era]bool     `json:"biff_locked"`
	Globals     GlobalCounters   `json:"globals"`
	Victory     bool             `json:"victory"`
}

func (c *Coordinator) RoomView(ctx context.Context, id int) (view RoomView, err error) {
	ctx, span := startSpan(ctx, "coordinator.RoomView", attribute.Int("flux.room_id", id))
	defer func() { endSpan(span, err) }()

	snap, err := c.rooms.Load(ctx, id)
	if err != nil {
		return RoomView{}, err
	}
	globals, err := c.globals.Load(ctx)
	if err != nil {
		return RoomView{}, err
	}
	labels := make(map[Era][]string, len(Eras))
	for _, era := range Eras {
		labels[era] = c.graph.Labels(era)
	}
	return RoomView{
		ID:          snap.ID,
		Labels:      labels,
		Milestones:  snap.Milestones,
		Available:   snap.AvailableMilestones(c.graph),
		Depletion:   snap.Depletion,
		Reserve:     snap.Reserve,
		Flow:        snap.Flow,
		BiffDefeats: snap.BiffDefeats,
		BiffLocked:  snap.BiffLocked,
		Globals:     globals,
		Victory:     c.victory.Evaluate(ctx),
	}, nil
}

type GlobalsView struct {
	GlobalCounters
	Rooms   []int `json:"rooms"`
	Victory bool  `json:"victory"`
}

func (c *Coordinator) Globals(ctx context.Context) (view GlobalsView, err error) {
	ctx, span := startSpan(ctx, "coordinator.Globals")
	defer func() { endSpan(span, err) }()

	counters, err := c.globals.Load(ctx)
	if err != nil {
		return GlobalsView{}, err
	}
	ids, err := c.rooms.IDs(ctx)
	if err != nil {
		return GlobalsView{}, err
	}
	return GlobalsView{GlobalCounters: counters, Rooms: ids, Victory: c.victory.Evaluate(ctx)}, nil
}

func (c *Coordinator) ListRooms(ctx context.Context) ([]int, error) {
	return c.rooms.IDs(ctx)
}

func (c *Coordinator) CreateRoom(ctx context.Context, privileged bool) (id int, err error) {
	ctx, span := startSpan(ctx, "coordinator.CreateRoom")
	defer func() { endSpan(span, err) }()

	if err := requireAdmin(privileged); err != nil {
		return 0, err
	}
	snap, err := c.rooms.Create(ctx)
	if err != nil {
		return 0, err
	}
	ids, err := c.rooms.IDs(ctx)
	if err != nil {
		return 0, err
	}
	log.Printf("coordinator: created room %d", snap.ID)
	c.pub.Publish(adminTopic, "room_update", map[string]any{"room_id": snap.ID, "rooms": ids})
	return snap.ID, nil
}

type MilestoneResult struct {
	RoomID     int            `json:"room_id"`
	Era        Era            `json:"era"`
	Index      int            `json:"index"`
	Label      string         `json:"label,omitempty"`
	Unlocked   bool           `json:"unlocked"`
	Cascaded   []string       `json:"cascaded,omitempty"`
	Milestones map[Era][]bool `json:"milestones"`
	Available  map[Era][]bool `json:"available"`
	Victory    bool           `json:"victory"`
}

func (c *Coordinator) SetMilestone(ctx context.Context, id int, ref MilestoneRef, desired, privileged bool) (res MilestoneResult, err error) {
	ctx, span := startSpan(ctx, "coordinator.SetMilestone", roomAttrs(id, ref.Era)...)
	defer func() { endSpan(span, err) }()

	if err := c.graph.Validate(ref); err != nil {
		return MilestoneResult{}, err
	}
	snap, err := c.rooms.Load(ctx, id)
	if err != nil {
		return MilestoneResult{}, err
	}
	return c.applyMilestone(ctx, snap, ref, desired, privileged)
}

// ToggleMilestone flips the current state of ref.
func (c *Coordinator) ToggleMilestone(ctx context.Context, id int, ref MilestoneRef, privileged bool) (res MilestoneResult, err error) {
	ctx, span := startSpan(ctx, "coordinator.ToggleMilestone", roomAttrs(id, ref.Era)...)
	defer func() { endSpan(span, err) }()

	if err := c.graph.Validate(ref); err != nil {
		return MilestoneResult{}, err
	}
	snap, err := c.rooms.Load(ctx, id)
	if err != nil {
		return MilestoneResult{}, err
	}
	return c.applyMilestone(ctx, snap, ref, !snap.milestone(ref), privileged)
}

func (c *Coordinator) applyMilestone(ctx context.Context, snap *RoomSnapshot, ref MilestoneRef, desired, privileged bool) (MilestoneResult, error) {
	cascaded, err := snap.SetMilestone(c.graph, ref, desired, privileged)
	if err != nil {
		return MilestoneResult{}, err
	}
	if err := c.rooms.Save(ctx, snap); err != nil {
		return MilestoneResult{}, err
	}

	label, err := c.graph.Label(ref)
	if err != nil {
		return MilestoneResult{}, err
	}
	res := MilestoneResult{
		RoomID:     snap.ID,
		Era:        ref.Era,
		Index:      ref.Index,
		Label:      label,
		Unlocked:   desired,
		Milestones: snap.Milestones,
		Available:  snap.AvailableMilestones(c.graph),
	}
	for _, r := range cascaded {
		res.Cascaded = append(res.Cascaded, r.String())
	}
	res.Victory = c.victory.Evaluate(ctx)

	c.pub.Publish(roomTopic(snap.ID), "milestone_update", res)
	if res.Victory {
		c.pub.Publish(globalTopic, "victory", map[string]any{"message": victoryMessage})
	}
	return res, nil
}

type DepletionResult struct {
	RoomID         int    `json:"room_id"`
	Era            Era    `json:"era"`
	RoomTotal      int    `json:"room_total"`
	GlobalTotal    int    `json:"global_total"`
	Cycle          int    `json:"cycle"`
	CycleCompleted bool   `json:"cycle_completed"`
	Message        string `json:"message,omitempty"`
	Victory        bool   `json:"victory"`
}

// AdjustDepletion applies amount to the room and to the global total. When the
// global total reaches the current cycle's limit the cycle advances, the
// global total and every room's depletion are zeroed, and completing cycle 2
// also runs the flow sweep.
func (c *Coordinator) AdjustDepletion(ctx context.Context, id int, era Era, amount int) (res DepletionResult, err error) {
	ctx, span := startSpan(ctx, "coordinator.AdjustDepletion", roomAttrs(id, era)...)
	defer func() { endSpan(span, err) }()

	if err := checkEra(era); err != nil {
		return DepletionResult{}, err
	}
	globals, err := c.globals.Load(ctx)
	if err != nil {
		return DepletionResult{}, err
	}
	if globals.Cycle > finalCycle {
		return DepletionResult{RoomID: id, Era: era, Cycle: globals.Cycle}, fmt.Errorf("%w: cycle %d", ErrCycleExhausted, globals.Cycle)
	}
	snap, err := c.rooms.Load(ctx, id)
	if err != nil {
		return DepletionResult{}, err
	}

	amount = clampDelta(globals.Depletion, amount)
	total, err := c.globals.IncrementDepletion(ctx, amount)
	if err != nil {
		return DepletionResult{}, err
	}
	transition, err := planCycleTransition(globals.Cycle, total)
	if err != nil {
		return DepletionResult{}, err
	}

	res = DepletionResult{RoomID: id, Era: era, Cycle: globals.Cycle, GlobalTotal: total}
	if transition.Completed {
		if err := c.completeCycle(ctx, transition); err != nil {
			return DepletionResult{}, err
		}
		res.Cycle = transition.To
		res.GlobalTotal = 0
		res.CycleCompleted = true
		res.Message = transition.Message
		log.Printf("coordinator: cycle %d completed from room %d %s", transition.From, id, era)
		c.pub.Publish(globalTopic, "depletion_cycle_completed", map[string]any{
			"cycle":       transition.To,
			"message":     transition.Message,
			"origin_room": id,
			"origin_era":  era,
		})
	} else {
		res.RoomTotal = snap.AdjustDepletion(era, amount)
		if err := c.rooms.Save(ctx, snap); err != nil {
			return DepletionResult{}, err
		}
		c.pub.Publish(roomTopic(id), "depletion_update", map[string]any{
			"room_id": id,
			"era":     era,
			"total":   res.RoomTotal,
			"cycle":   res.Cycle,
		})
	}
	c.pub.Publish(globalTopic, "global_depletion_update", map[string]any{
		"total":           res.GlobalTotal,
		"cycle":           res.Cycle,
		"cycle_completed": res.CycleCompleted,
		"message":         res.Message,
	})
	res.Victory = c.announceVictory(ctx)
	return res, nil
}

func (c *Coordinator) completeCycle(ctx context.Context, t CycleTransition) error {
	if err := c.globals.AdvanceCycle(ctx, t); err != nil {
		return err
	}
	if _, err := c.resetAllDepletion(ctx); err != nil {
		return err
	}
	if t.Sweep {
		if _, err := c.sweep(ctx); err != nil {
			return err
		}
	}
	return nil
}

// resetAllDepletion zeroes depletion in every era of every room and returns
// the rooms that changed.
func (c *Coordinator) resetAllDepletion(ctx context.Context) ([]int, error) {
	ids, err := c.rooms.IDs(ctx)
	if err != nil {
		return nil, err
	}
	var changed []int
	for _, id := range ids {
		snap, err := c.rooms.Load(ctx, id)
		if err != nil {
			return nil, err
		}
		if !snap.ResetCounter(CounterDepletion) {
			continue
		}
		if err := c.rooms.Save(ctx, snap); err != nil {
			return nil, err
		}
		changed = append(changed, id)
	}
	return changed, nil
}

type ReserveResult struct {
	RoomID      int  `json:"room_id"`
	Era         Era  `json:"era"`
	RoomTotal   int  `json:"room_total"`
	GlobalTotal int  `json:"global_total"`
	Victory     bool `json:"victory"`
}

// AdjustReserve clamps the delta against the global total only. The room's
// own reserve may go negative.
func (c *Coordinator) AdjustReserve(ctx context.Context, id int, era Era, amount int) (res ReserveResult, err error) {
	ctx, span := startSpan(ctx, "coordinator.AdjustReserve", roomAttrs(id, era)...)
	defer func() { endSpan(span, err) }()

	if err := checkEra(era); err != nil {
		return ReserveResult{}, err
	}
	globals, err := c.globals.Load(ctx)
	if err != nil {
		return ReserveResult{}, err
	}
	snap, err := c.rooms.Load(ctx, id)
	if err != nil {
		return ReserveResult{}, err
	}

	amount = clampDelta(globals.Reserve, amount)
	total, err := c.globals.IncrementReserve(ctx, amount)
	if err != nil {
		return ReserveResult{}, err
	}
	roomTotal := snap.AdjustReserve(era, amount)
	if err := c.rooms.Save(ctx, snap); err != nil {
		return ReserveResult{}, err
	}

	res = ReserveResult{RoomID: id, Era: era, RoomTotal: roomTotal, GlobalTotal: total}
	c.pub.Publish(roomTopic(id), "reserve_update", map[string]any{"room_id": id, "era": era, "total": roomTotal})
	c.pub.Publish(globalTopic, "global_reserve_update", map[string]any{"total": total})
	res.Victory = c.announceVictory(ctx)
	return res, nil
}

type FlowResult struct {
	RoomID                int    `json:"room_id"`
	Era                   Era    `json:"era"`
	Total                 int    `json:"total"`
	CheckedValue          int    `json:"checked_value,omitempty"`
	Message               string `json:"message,omitempty"`
	Silent                bool   `json:"silent,omitempty"`
	ConsequencesCompleted bool   `json:"consequences_completed"`
	Victory               bool   `json:"victory"`
}

// loadFlowTarget loads the room for a flow write. Once the consequences latch
// is set it returns the current value with ErrConsequencesCompleted.
func (c *Coordinator) loadFlowTarget(ctx context.Context, id int, era Era) (*RoomSnapshot, GlobalCounters, FlowResult, error) {
	if err := checkEra(era); err != nil {
		return nil, GlobalCounters{}, FlowResult{}, err
	}
	globals, err := c.globals.Load(ctx)
	if err != nil {
		return nil, GlobalCounters{}, FlowResult{}, err
	}
	snap, err := c.rooms.Load(ctx, id)
	if err != nil {
		return nil, GlobalCounters{}, FlowResult{}, err
	}
	res := FlowResult{RoomID: id, Era: era, Total: snap.Flow[era], ConsequencesCompleted: globals.ConsequencesCompleted}
	if globals.ConsequencesCompleted {
		return snap, globals, res, ErrConsequencesCompleted
	}
	return snap, globals, res, nil
}

func (c *Coordinator) AdjustFlow(ctx context.Context, id int, era Era, amount int) (res FlowResult, err error) {
	ctx, span := startSpan(ctx, "coordinator.AdjustFlow", roomAttrs(id, era)...)
	defer func() { endSpan(span, err) }()

	snap, _, res, err := c.loadFlowTarget(ctx, id, era)
	if err != nil {
		return res, err
	}
	res.Total = snap.AdjustFlow(era, amount)
	return c.commitFlow(ctx, snap, res, "")
}

// SetFlow overwrites the flow total. silent is passed through to viewers so
// they can skip the animation.
func (c *Coordinator) SetFlow(ctx context.Context, id int, era Era, value int, silent bool) (res FlowResult, err error) {
	ctx, span := startSpan(ctx, "coordinator.SetFlow", roomAttrs(id, era)...)
	defer func() { endSpan(span, err) }()

	snap, _, res, err := c.loadFlowTarget(ctx, id, era)
	if err != nil {
		return res, err
	}
	res.Total = snap.SetFlow(era, value)
	res.Silent = silent
	return c.commitFlow(ctx, snap, res, "")
}

// CheckFlow stores a client-computed flow total and answers with guidance
// for the current cycle, or with customMessage when one is given. After the
// latch it only re-publishes the stored value.
func (c *Coordinator) CheckFlow(ctx context.Context, id int, era Era, total, checked int, customMessage *string) (res FlowResult, err error) {
	ctx, span := startSpan(ctx, "coordinator.CheckFlow", roomAttrs(id, era)...)
	defer func() { endSpan(span, err) }()

	snap, globals, res, err := c.loadFlowTarget(ctx, id, era)
	res.CheckedValue = checked
	if errors.Is(err, ErrConsequencesCompleted) {
		res.Message = consequencesDoneMessage
		c.pub.Publish(roomTopic(id), "flow_update", res)
		return res, err
	}
	if err != nil {
		return res, err
	}

	res.Total = snap.SetFlow(era, total)
	message := flowGuidance(globals.Cycle, res.Total)
	if customMessage != nil {
		message = *customMessage
	}
	return c.commitFlow(ctx, snap, res, message)
}

// commitFlow saves a flow write, runs the consequences check and publishes
// the new value. A write that completes the consequences reports that
// instead of message.
func (c *Coordinator) commitFlow(ctx context.Context, snap *RoomSnapshot, res FlowResult, message string) (FlowResult, error) {
	if err := c.rooms.Save(ctx, snap); err != nil {
		return FlowResult{}, err
	}
	latched, err := c.checkConsequences(ctx)
	if err != nil {
		return FlowResult{}, err
	}
	res.Message = message
	if latched {
		res.ConsequencesCompleted = true
		res.Message = consequencesDoneMessage
	}
	c.pub.Publish(roomTopic(snap.ID), "flow_update", res)
	res.Victory = c.announceVictory(ctx)
	return res, nil
}

// checkConsequences scans every room and sets the one-shot latch when all
// flows sit at the target. It reports true only for the write that set it.
func (c *Coordinator) checkConsequences(ctx context.Context) (bool, error) {
	rooms, err := c.loadAllRooms(ctx)
	if err != nil {
		return false, err
	}
	if !allFlowsAtTarget(rooms) {
		return false, nil
	}
	first, err := c.globals.LatchConsequences(ctx)
	if err != nil {
		return false, err
	}
	if first {
		log.Printf("coordinator: unforeseen consequences completed across %d rooms", len(rooms))
		c.pub.Publish(globalTopic, "consequences_completed", map[string]any{"message": consequencesDoneMessage})
	}
	return first, nil
}

func (c *Coordinator) loadAllRooms(ctx context.Context) ([]*RoomSnapshot, error) {
	ids, err := c.rooms.IDs(ctx)
	if err != nil {
		return nil, err
	}
	rooms := make([]*RoomSnapshot, 0, len(ids))
	for _, id := range ids {
		snap, err := c.rooms.Load(ctx, id)
		if err != nil {
			return nil, err
		}
		rooms = append(rooms, snap)
	}
	return rooms, nil
}

type FlowChange struct {
	RoomID int `json:"room_id"`
	Era    Era `json:"era"`
	From   int `json:"from"`
	To     int `json:"to"`
}

type SweepResult struct {
	Changes               []FlowChange `json:"changes"`
	ConsequencesCompleted bool         `json:"consequences_completed"`
	Victory               bool         `json:"victory"`
}

// SweepFlow runs the flow rebalancing on demand. It ignores the
// consequences latch, like the sweep fired by completing cycle 2.
func (c *Coordinator) SweepFlow(ctx context.Context, privileged bool) (res SweepResult, err error) {
	ctx, span := startSpan(ctx, "coordinator.SweepFlow")
	defer func() { endSpan(span, err) }()

	if err := requireAdmin(privileged); err != nil {
		return SweepResult{}, err
	}
	res, err = c.sweep(ctx)
	if err != nil {
		return SweepResult{}, err
	}
	res.Victory = c.announceVictory(ctx)
	span.SetAttributes(attribute.Int("flux.flow_changes", len(res.Changes)))
	return res, nil
}

func (c *Coordinator) sweep(ctx context.Context) (SweepResult, error) {
	rooms, err := c.loadAllRooms(ctx)
	if err != nil {
		return SweepResult{}, err
	}
	var res SweepResult
	for _, snap := range rooms {
		var changes []FlowChange
		for _, era := range Eras {
			from := snap.Flow[era]
			to := sweepFlowValue(from)
			if to == from {
				continue
			}
			snap.Flow[era] = to
			changes = append(changes, FlowChange{RoomID: snap.ID, Era: era, From: from, To: to})
		}
		if len(changes) == 0 {
			continue
		}
		if err := c.rooms.Save(ctx, snap); err != nil {
			return SweepResult{}, err
		}
		res.Changes = append(res.Changes, changes...)
	}

	for _, ch := range res.Changes {
		c.pub.Publish(roomTopic(ch.RoomID), "flow_update", FlowResult{
			RoomID:  ch.RoomID,
			Era:     ch.Era,
			Total:   ch.To,
			Message: flowSweptMessage,
		})
	}
	latched, err := c.checkConsequences(ctx)
	if err != nil {
		return SweepResult{}, err
	}
	res.ConsequencesCompleted = latched
	return res, nil
}

type BiffResult struct {
	RoomID  int    `json:"room_id"`
	Era     Era    `json:"era"`
	Defeats int    `json:"defeats"`
	Locked  bool   `json:"locked"`
	Message string `json:"message"`
	Victory bool   `json:"victory"`
}

func (c *Coordinator) RecordBiffDefeat(ctx context.Context, id int, era Era) (res BiffResult, err error) {
	ctx, span := startSpan(ctx, "coordinator.RecordBiffDefeat", roomAttrs(id, era)...)
	defer func() { endSpan(span, err) }()

	if err := checkEra(era); err != nil {
		return BiffResult{}, err
	}
	globals, err := c.globals.Load(ctx)
	if err != nil {
		return BiffResult{}, err
	}
	snap, err := c.rooms.Load(ctx, id)
	if err != nil {
		return BiffResult{}, err
	}

	outcome := snap.RecordBiffDefeat(era, globals.Cycle, c.chooser)
	res = BiffResult{RoomID: id, Era: era, Defeats: outcome.Defeats, Locked: outcome.Locked, Message: outcome.Message}
	if outcome.AlreadyLocked {
		return res, nil
	}
	if err := c.rooms.Save(ctx, snap); err != nil {
		return BiffResult{}, err
	}
	c.pub.Publish(roomTopic(id), "biff_update", res)
	res.Victory = c.announceVictory(ctx)
	return res, nil
}

func (c *Coordinator) ResetMilestones(ctx context.Context, id int, era Era, privileged bool) (res MilestoneResult, err error) {
	ctx, span := startSpan(ctx, "coordinator.ResetMilestones", roomAttrs(id, era)...)
	defer func() { endSpan(span, err) }()

	if err := requireAdmin(privileged); err != nil {
		return MilestoneResult{}, err
	}
	if err := checkEra(era); err != nil {
		return MilestoneResult{}, err
	}
	snap, err := c.rooms.Load(ctx, id)
	if err != nil {
		return MilestoneResult{}, err
	}
	snap.ResetMilestones(c.graph, era)
	if err := c.rooms.Save(ctx, snap); err != nil {
		return MilestoneResult{}, err
	}
	res = MilestoneResult{
		RoomID:     id,
		Era:        era,
		Index:      -1,
		Milestones: snap.Milestones,
		Available:  snap.AvailableMilestones(c.graph),
		Victory:    c.victory.Evaluate(ctx),
	}
	c.pub.Publish(roomTopic(id), "milestone_update", res)
	return res, nil
}

func (c *Coordinator) ResetBiff(ctx context.Context, id int, era Era, privileged bool) (res BiffResult, err error) {
	ctx, span := startSpan(ctx, "coordinator.ResetBiff", roomAttrs(id, era)...)
	defer func() { endSpan(span, err) }()

	if err := requireAdmin(privileged); err != nil {
		return BiffResult{}, err
	}
	if err := checkEra(era); err != nil {
		return BiffResult{}, err
	}
	snap, err := c.rooms.Load(ctx, id)
	if err != nil {
		return BiffResult{}, err
	}
	snap.ResetBiff(era)
	if err := c.rooms.Save(ctx, snap); err != nil {
		return BiffResult{}, err
	}
	res = BiffResult{RoomID: id, Era: era, Victory: c.victory.Evaluate(ctx)}
	c.pub.Publish(roomTopic(id), "biff_update", res)
	return res, nil
}

type CounterResetResult struct {
	RoomID    int            `json:"room_id"`
	Kind      CounterKind    `json:"kind"`
	Depletion map[Era]int    `json:"depletion"`
	Reserve   map[Era]int    `json:"reserve"`
	Flow      map[Era]int    `json:"flow"`
	Globals   GlobalCounters `json:"globals"`
}

// ResetCounter zeroes one counter kind in every era of a room. Depletion and
// reserve also zero the matching global total.
func (c *Coordinator) ResetCounter(ctx context.Context, id int, kind CounterKind, privileged bool) (res CounterResetResult, err error) {
	ctx, span := startSpan(ctx, "coordinator.ResetCounter",
		attribute.Int("flux.room_id", id), attribute.String("flux.counter", string(kind)))
	defer func() { endSpan(span, err) }()

	if err := requireAdmin(privileged); err != nil {
		return CounterResetResult{}, err
	}
	if _, err := ParseCounterKind(string(kind)); err != nil {
		return CounterResetResult{}, err
	}
	snap, err := c.rooms.Load(ctx, id)
	if err != nil {
		return CounterResetResult{}, err
	}
	globals, err := c.globals.Load(ctx)
	if err != nil {
		return CounterResetResult{}, err
	}

	changed := snap.ResetCounter(kind)
	if changed {
		if err := c.rooms.Save(ctx, snap); err != nil {
			return CounterResetResult{}, err
		}
	}
	globalChanged := (kind == CounterDepletion && globals.Depletion != 0) ||
		(kind == CounterReserve && globals.Reserve != 0)
	if globalChanged {
		if err := c.globals.ResetField(ctx, kind); err != nil {
			return CounterResetResult{}, err
		}
		if kind == CounterDepletion {
			globals.Depletion = 0
		} else {
			globals.Reserve = 0
		}
	}

	res = CounterResetResult{
		RoomID:    id,
		Kind:      kind,
		Depletion: snap.Depletion,
		Reserve:   snap.Reserve,
		Flow:      snap.Flow,
		Globals:   globals,
	}
	if changed {
		c.pub.Publish(roomTopic(id), "counter_reset", res)
	}
	if globalChanged {
		c.pub.Publish(globalTopic, "global_counter_update", globals)
	}
	return res, nil
}

// ResetCycle returns the game to cycle 1 and zeroes depletion everywhere.
func (c *Coordinator) ResetCycle(ctx context.Context, privileged bool) (globals GlobalCounters, err error) {
	ctx, span := startSpan(ctx, "coordinator.ResetCycle")
	defer func() { endSpan(span, err) }()

	if err := requireAdmin(privileged); err != nil {
		return GlobalCounters{}, err
	}
	if err := c.globals.ResetCycle(ctx); err != nil {
		return GlobalCounters{}, err
	}
	changed, err := c.resetAllDepletion(ctx)
	if err != nil {
		return GlobalCounters{}, err
	}
	globals, err = c.globals.Load(ctx)
	if err != nil {
		return GlobalCounters{}, err
	}
	for _, id := range changed {
		c.pub.Publish(roomTopic(id), "counter_reset", map[string]any{"room_id": id, "kind": CounterDepletion})
	}
	c.pub.Publish(globalTopic, "global_counter_update", globals)
	return globals, nil
}

// ResetAll removes every room and the global counters.
func (c *Coordinator) ResetAll(ctx context.Context, privileged bool) (removed int, err error) {
	ctx, span := startSpan(ctx, "coordinator.ResetAll")
	defer func() { endSpan(span, err) }()

	if err := requireAdmin(privileged); err != nil {
		return 0, err
	}
	keys, err := c.kv.ScanPrefix(ctx, roomKeyPrefix)
	if err != nil {
		return 0, err
	}
	if err := c.kv.Delete(ctx, append(keys, globalCountersKey)...); err != nil {
		return 0, err
	}
	log.Printf("coordinator: reset removed %d rooms", len(keys))
	c.pub.Publish(globalTopic, "server_reset", map[string]any{"rooms_removed": len(keys)})
	return len(keys), nil
}
