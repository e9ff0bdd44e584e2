package main

import (
	"context"
	"errors"
	"testing"
)

func TestDepletionCycleRoundTrip(t *testing.T) {
	ctx := context.Background()
	env := newTestEnv(t, 2)

	if _, err := env.coord.AdjustDepletion(ctx, 1, EraPast, 3); err != nil {
		t.Fatalf("AdjustDepletion: %v", err)
	}
	res, err := env.coord.AdjustDepletion(ctx, 2, EraPresent, 1)
	if err != nil {
		t.Fatalf("AdjustDepletion: %v", err)
	}
	if res.GlobalTotal != 4 || res.RoomTotal != 1 || res.CycleCompleted {
		t.Fatalf("second adjust = %+v", res)
	}
	if got := len(env.pub.named("depletion_update")); got != 2 {
		t.Fatalf("depletion_update count = %d, want 2", got)
	}

	res, err = env.coord.AdjustDepletion(ctx, 1, EraFuture, 1)
	if err != nil {
		t.Fatalf("completing adjust: %v", err)
	}
	if !res.CycleCompleted || res.Cycle != 2 || res.GlobalTotal != 0 || res.Message != cycleMessages[1] {
		t.Fatalf("completing adjust = %+v", res)
	}

	g := env.globals(t)
	if g.Cycle != 2 || g.Depletion != 0 {
		t.Fatalf("globals after cycle = %+v", g)
	}
	for _, id := range []int{1, 2} {
		snap := env.room(t, id)
		for _, era := range Eras {
			if snap.Depletion[era] != 0 {
				t.Fatalf("room %d %s depletion = %d after cycle", id, era, snap.Depletion[era])
			}
		}
	}

	done := env.pub.named("depletion_cycle_completed")
	if len(done) != 1 || done[0].Topic != globalTopic {
		t.Fatalf("depletion_cycle_completed events = %+v", done)
	}
}

func TestDepletionClampsAgainstGlobal(t *testing.T) {
	ctx := context.Background()
	env := newTestEnv(t, 1)

	if _, err := env.coord.AdjustDepletion(ctx, 1, EraPast, 2); err != nil {
		t.Fatalf("AdjustDepletion: %v", err)
	}
	res, err := env.coord.AdjustDepletion(ctx, 1, EraPresent, -5)
	if err != nil {
		t.Fatalf("AdjustDepletion: %v", err)
	}
	if res.GlobalTotal != 0 || res.RoomTotal != -2 {
		t.Fatalf("clamped adjust = %+v, want global 0 room -2", res)
	}
}

func TestSecondCycleTriggersFlowSweep(t *testing.T) {
	ctx := context.Background()
	env := newTestEnv(t, 2)
	if err := env.kv.SetField(ctx, globalCountersKey, fieldCycle, 2); err != nil {
		t.Fatalf("SetField: %v", err)
	}
	env.setAllFlows(t, 87, 1)
	env.setAllFlows(t, 78, 2)

	res, err := env.coord.AdjustDepletion(ctx, 2, EraPast, 4)
	if err != nil {
		t.Fatalf("AdjustDepletion: %v", err)
	}
	if !res.CycleCompleted || res.Cycle != 3 {
		t.Fatalf("adjust = %+v", res)
	}

	r1, r2 := env.room(t, 1), env.room(t, 2)
	for _, era := range Eras {
		if r1.Flow[era] != 77 {
			t.Fatalf("room 1 %s flow = %d, want 77", era, r1.Flow[era])
		}
		if r2.Flow[era] != 78 {
			t.Fatalf("room 2 %s flow = %d, want 78", era, r2.Flow[era])
		}
	}

	updates := env.pub.named("flow_update")
	if len(updates) != 3 {
		t.Fatalf("flow_update count = %d, want 3 (room 1 only)", len(updates))
	}
	for _, u := range updates {
		fr, ok := u.Data.(FlowResult)
		if !ok || fr.RoomID != 1 || fr.Message != flowSweptMessage || u.Topic != roomTopic(1) {
			t.Fatalf("unexpected sweep notification %+v", u)
		}
	}
}

func TestCycleExhaustedRejectsDepletion(t *testing.T) {
	ctx := context.Background()
	env := newTestEnv(t, 1)
	if err := env.kv.SetField(ctx, globalCountersKey, fieldCycle, 4); err != nil {
		t.Fatalf("SetField: %v", err)
	}

	_, err := env.coord.AdjustDepletion(ctx, 1, EraPast, 1)
	if !errors.Is(err, ErrCycleExhausted) {
		t.Fatalf("err = %v, want ErrCycleExhausted", err)
	}
	if env.globals(t).Depletion != 0 || env.room(t, 1).Depletion[EraPast] != 0 {
		t.Fatalf("state changed after rejected depletion")
	}
	if len(env.pub.events) != 0 {
		t.Fatalf("notifications sent for rejected depletion: %+v", env.pub.events)
	}
}

func TestConsequencesLatch(t *testing.T) {
	ctx := context.Background()
	env := newTestEnv(t, 2)
	env.setAllFlows(t, targetFlow, 1, 2)
	snap := env.room(t, 2)
	snap.Flow[EraFuture] = 80
	env.save(t, snap)

	res, err := env.coord.AdjustFlow(ctx, 2, EraFuture, 1)
	if err != nil {
		t.Fatalf("AdjustFlow: %v", err)
	}
	if !res.ConsequencesCompleted || res.Message != consequencesDoneMessage {
		t.Fatalf("completing write = %+v", res)
	}
	if got := len(env.pub.named("consequences_completed")); got != 1 {
		t.Fatalf("consequences_completed count = %d, want 1", got)
	}

	res, err = env.coord.AdjustFlow(ctx, 1, EraPast, -10)
	if !errors.Is(err, ErrConsequencesCompleted) {
		t.Fatalf("post-latch err = %v, want ErrConsequencesCompleted", err)
	}
	if res.Total != targetFlow || env.room(t, 1).Flow[EraPast] != targetFlow {
		t.Fatalf("post-latch write changed flow: %+v", res)
	}
	if _, err := env.coord.SetFlow(ctx, 1, EraPast, 3, false); !errors.Is(err, ErrConsequencesCompleted) {
		t.Fatalf("post-latch SetFlow err = %v", err)
	}

	// The sweep still runs after the latch, and the latch holds once flows move.
	if _, err := env.coord.SweepFlow(ctx, true); err != nil {
		t.Fatalf("SweepFlow: %v", err)
	}
	if env.room(t, 1).Flow[EraPast] != 76 {
		t.Fatalf("sweep did not run after latch")
	}
	if !env.globals(t).ConsequencesCompleted {
		t.Fatalf("latch reverted after flow changed")
	}
	if got := len(env.pub.named("consequences_completed")); got != 1 {
		t.Fatalf("consequences_completed count = %d, want still 1", got)
	}
}

func TestCheckFlow(t *testing.T) {
	ctx := context.Background()
	env := newTestEnv(t, 1)
	if err := env.kv.SetField(ctx, globalCountersKey, fieldCycle, 2); err != nil {
		t.Fatalf("SetField: %v", err)
	}

	res, err := env.coord.CheckFlow(ctx, 1, EraPast, 77, -3, nil)
	if err != nil {
		t.Fatalf("CheckFlow: %v", err)
	}
	if res.Total != 77 || res.Message != flowBelowMessage || res.CheckedValue != -3 {
		t.Fatalf("CheckFlow = %+v", res)
	}

	custom := "sigue así"
	res, err = env.coord.CheckFlow(ctx, 1, EraPast, 78, 1, &custom)
	if err != nil {
		t.Fatalf("CheckFlow custom: %v", err)
	}
	if res.Message != custom || env.room(t, 1).Flow[EraPast] != 78 {
		t.Fatalf("CheckFlow custom = %+v", res)
	}

	if _, err := env.coord.globals.LatchConsequences(ctx); err != nil {
		t.Fatalf("LatchConsequences: %v", err)
	}
	env.pub.reset()
	res, err = env.coord.CheckFlow(ctx, 1, EraPast, 50, -28, nil)
	if !errors.Is(err, ErrConsequencesCompleted) {
		t.Fatalf("post-latch CheckFlow err = %v", err)
	}
	if res.Total != 78 || env.room(t, 1).Flow[EraPast] != 78 {
		t.Fatalf("post-latch CheckFlow changed flow: %+v", res)
	}
	updates := env.pub.named("flow_update")
	if len(updates) != 1 || updates[0].Data.(FlowResult).Message != consequencesDoneMessage {
		t.Fatalf("post-latch CheckFlow should re-publish current value: %+v", updates)
	}
}

func TestCoordinatorMilestones(t *testing.T) {
	ctx := context.Background()
	env := newTestEnv(t, 1)
	gated := MilestoneRef{Era: EraPast, Index: 3}

	if _, err := env.coord.SetMilestone(ctx, 1, gated, true, false); !errors.Is(err, ErrDependencyUnmet) {
		t.Fatalf("gated unlock err = %v", err)
	}
	if len(env.pub.events) != 0 {
		t.Fatalf("rejected unlock published %+v", env.pub.events)
	}
	if _, err := env.coord.SetMilestone(ctx, 1, MilestoneRef{Era: EraPast, Index: 6}, true, true); !errors.Is(err, ErrInvalidMilestone) {
		t.Fatalf("out-of-range err = %v", err)
	}

	if _, err := env.coord.ToggleMilestone(ctx, 1, MilestoneRef{Era: EraPast, Index: 0}, false); err != nil {
		t.Fatalf("toggle on: %v", err)
	}
	if _, err := env.coord.SetMilestone(ctx, 1, gated, true, false); err != nil {
		t.Fatalf("unlock after dependency: %v", err)
	}

	res, err := env.coord.ToggleMilestone(ctx, 1, MilestoneRef{Era: EraPast, Index: 0}, false)
	if err != nil {
		t.Fatalf("toggle off: %v", err)
	}
	if res.Unlocked || len(res.Cascaded) != 1 || res.Cascaded[0] != "past-3" {
		t.Fatalf("toggle off = %+v", res)
	}
	if env.room(t, 1).Milestones[EraPast][3] {
		t.Fatalf("cascade not persisted")
	}
	if got := len(env.pub.named("milestone_update")); got != 3 {
		t.Fatalf("milestone_update count = %d, want 3", got)
	}
}

func TestBiffDefeatsAndVictory(t *testing.T) {
	ctx := context.Background()
	env := newTestEnv(t, 1)
	if err := env.kv.SetField(ctx, globalCountersKey, fieldCycle, 2); err != nil {
		t.Fatalf("SetField: %v", err)
	}
	snap := env.room(t, 1)
	for _, era := range Eras {
		snap.Flow[era] = targetFlow
		snap.Milestones[era][victoryMilestones[era]] = true
	}
	snap.BiffLocked[EraPast] = true
	snap.BiffLocked[EraPresent] = true
	env.save(t, snap)

	var res BiffResult
	var err error
	for i := 0; i < 5; i++ {
		res, err = env.coord.RecordBiffDefeat(ctx, 1, EraFuture)
		if err != nil {
			t.Fatalf("RecordBiffDefeat: %v", err)
		}
		if i < 4 && res.Victory {
			t.Fatalf("victory before the last era locked")
		}
	}
	if !res.Locked || res.Message != biffVictoryZoneMsg || !res.Victory {
		t.Fatalf("fifth defeat = %+v", res)
	}
	wins := env.pub.named("victory")
	if len(wins) != 1 || wins[0].Data.(map[string]any)["message"] != victoryMessage {
		t.Fatalf("victory events = %+v", wins)
	}

	env.pub.reset()
	res, err = env.coord.RecordBiffDefeat(ctx, 1, EraFuture)
	if err != nil || res.Defeats != 5 || !res.Locked {
		t.Fatalf("defeat after lock = %+v, %v", res, err)
	}
	if len(env.pub.events) != 0 {
		t.Fatalf("locked era published %+v", env.pub.events)
	}

	if _, err := env.coord.ResetBiff(ctx, 1, EraFuture, false); !errors.Is(err, ErrForbidden) {
		t.Fatalf("unprivileged ResetBiff err = %v", err)
	}
	if _, err := env.coord.ResetBiff(ctx, 1, EraFuture, true); err != nil {
		t.Fatalf("ResetBiff: %v", err)
	}
	after := env.room(t, 1)
	if after.BiffLocked[EraFuture] || after.BiffDefeats[EraFuture] != 0 {
		t.Fatalf("ResetBiff left %+v", after.BiffDefeats)
	}
}

func TestReserveClampsGlobalOnly(t *testing.T) {
	ctx := context.Background()
	env := newTestEnv(t, 1)

	if _, err := env.coord.AdjustReserve(ctx, 1, EraPast, 2); err != nil {
		t.Fatalf("AdjustReserve: %v", err)
	}
	res, err := env.coord.AdjustReserve(ctx, 1, EraPresent, -3)
	if err != nil {
		t.Fatalf("AdjustReserve: %v", err)
	}
	if res.GlobalTotal != 0 || res.RoomTotal != -2 {
		t.Fatalf("reserve = %+v, want global 0 room -2", res)
	}
	if len(env.pub.named("global_reserve_update")) != 2 {
		t.Fatalf("expected two global_reserve_update events")
	}
}

func TestStoreUnavailablePropagates(t *testing.T) {
	ctx := context.Background()
	kv := &failingKV{memoryKV: newMemoryKV()}
	pub := &recordingPublisher{}
	coord := newCoordinator(kv, defaultMilestoneGraph(), pub, firstChooser{})
	if _, err := coord.CreateRoom(ctx, true); err != nil {
		t.Fatalf("CreateRoom: %v", err)
	}
	pub.reset()
	kv.broken = true

	if _, err := coord.AdjustFlow(ctx, 1, EraPast, 5); !errors.Is(err, ErrStoreUnavailable) {
		t.Fatalf("AdjustFlow err = %v, want ErrStoreUnavailable", err)
	}
	if _, err := coord.AdjustDepletion(ctx, 1, EraPast, 1); !errors.Is(err, ErrStoreUnavailable) {
		t.Fatalf("AdjustDepletion err = %v, want ErrStoreUnavailable", err)
	}
	if _, err := coord.RoomView(ctx, 1); !errors.Is(err, ErrStoreUnavailable) {
		t.Fatalf("RoomView err = %v, want ErrStoreUnavailable", err)
	}
	if len(pub.events) != 0 {
		t.Fatalf("published during outage: %+v", pub.events)
	}
}

func TestAdminOperations(t *testing.T) {
	ctx := context.Background()
	env := newTestEnv(t, 0)

	if _, err := env.coord.CreateRoom(ctx, false); !errors.Is(err, ErrForbidden) {
		t.Fatalf("unprivileged CreateRoom err = %v", err)
	}
	for want := 1; want <= 2; want++ {
		id, err := env.coord.CreateRoom(ctx, true)
		if err != nil || id != want {
			t.Fatalf("CreateRoom = %d, %v; want %d", id, err, want)
		}
	}
	if ev := env.pub.named("room_update"); len(ev) != 2 || ev[1].Topic != adminTopic {
		t.Fatalf("room_update events = %+v", ev)
	}

	if _, err := env.coord.AdjustReserve(ctx, 1, EraPast, 4); err != nil {
		t.Fatalf("AdjustReserve: %v", err)
	}
	if _, err := env.coord.AdjustDepletion(ctx, 1, EraPast, 2); err != nil {
		t.Fatalf("AdjustDepletion: %v", err)
	}

	res, err := env.coord.ResetCounter(ctx, 1, CounterReserve, true)
	if err != nil {
		t.Fatalf("ResetCounter: %v", err)
	}
	if res.Reserve[EraPast] != 0 || res.Globals.Reserve != 0 || env.globals(t).Reserve != 0 {
		t.Fatalf("reserve not reset: %+v", res)
	}
	if env.globals(t).Depletion != 2 {
		t.Fatalf("reserve reset touched depletion")
	}

	if _, err := env.coord.ResetMilestones(ctx, 1, EraPast, true); err != nil {
		t.Fatalf("ResetMilestones: %v", err)
	}

	g, err := env.coord.ResetCycle(ctx, true)
	if err != nil {
		t.Fatalf("ResetCycle: %v", err)
	}
	if g.Cycle != 1 || g.Depletion != 0 || env.room(t, 1).Depletion[EraPast] != 0 {
		t.Fatalf("ResetCycle left globals=%+v", g)
	}

	removed, err := env.coord.ResetAll(ctx, true)
	if err != nil || removed != 2 {
		t.Fatalf("ResetAll = %d, %v", removed, err)
	}
	ids, _ := env.coord.ListRooms(ctx)
	if len(ids) != 0 {
		t.Fatalf("rooms after reset = %v", ids)
	}
	if fields, _ := env.kv.Fields(ctx, globalCountersKey); len(fields) != 0 {
		t.Fatalf("global counters after reset = %v", fields)
	}
	if len(env.pub.named("server_reset")) != 1 {
		t.Fatalf("expected one server_reset event")
	}
}

func TestCycleTwoSweepIntoVictoryAnnouncesOnce(t *testing.T) {
	ctx := context.Background()
	env := newTestEnv(t, 1)
	env.winRoom(t, 1)
	env.setAllFlows(t, 91, 1)
	if err := env.kv.SetField(ctx, globalCountersKey, fieldCycle, 2); err != nil {
		t.Fatalf("SetField: %v", err)
	}

	res, err := env.coord.AdjustDepletion(ctx, 1, EraPast, 4)
	if err != nil {
		t.Fatalf("AdjustDepletion: %v", err)
	}
	if !res.CycleCompleted || !res.Victory {
		t.Fatalf("adjust = %+v, want completed cycle and victory", res)
	}
	if got := len(env.pub.named("victory")); got != 1 {
		t.Fatalf("victory announced %d times, want 1", got)
	}
	if got := len(env.pub.named("consequences_completed")); got != 1 {
		t.Fatalf("consequences_completed count = %d, want 1", got)
	}

	env.pub.reset()
	sweep, err := env.coord.SweepFlow(ctx, true)
	if err != nil {
		t.Fatalf("SweepFlow: %v", err)
	}
	if sweep.Victory || len(env.pub.named("victory")) != 0 {
		t.Fatalf("sweep moving flows off target still won: %+v", sweep)
	}
}

func TestAdminResetsClearVictory(t *testing.T) {
	ctx := context.Background()
	env := newTestEnv(t, 1)

	env.winRoom(t, 1)
	biff, err := env.coord.ResetBiff(ctx, 1, EraPast, true)
	if err != nil {
		t.Fatalf("ResetBiff: %v", err)
	}
	if biff.Victory {
		t.Fatalf("victory still reported after Biff reset")
	}

	env.winRoom(t, 1)
	ms, err := env.coord.ResetMilestones(ctx, 1, EraFuture, true)
	if err != nil {
		t.Fatalf("ResetMilestones: %v", err)
	}
	if ms.Victory {
		t.Fatalf("victory still reported after milestone reset")
	}

	env.winRoom(t, 1)
	snap := env.room(t, 1)
	snap.Milestones[EraFuture][3] = false
	env.save(t, snap)
	toggled, err := env.coord.ToggleMilestone(ctx, 1, MilestoneRef{EraFuture, 3}, true)
	if err != nil {
		t.Fatalf("ToggleMilestone: %v", err)
	}
	if !toggled.Victory || toggled.Label == "" {
		t.Fatalf("toggle into win = %+v", toggled)
	}
	if toggled.Label != env.coord.graph.Labels(EraFuture)[3] {
		t.Fatalf("toggle label = %q", toggled.Label)
	}
}
