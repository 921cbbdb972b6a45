package core

import (
	"context"
	"testing"

	"erpcore/pkg/storage"
)

func TestStoredComputeOnCreate(t *testing.T) {
	ctx := context.Background()
	env := newTestEnv(t)
	_, project, tasks := seedProject(t, env)

	costs, err := tasks.Mapped(ctx, "cost")
	if err != nil {
		t.Fatalf("mapped cost: %v", err)
	}
	if costs[0] != 100.0 || costs[1] != 800.0 {
		t.Fatalf("costs = %v", costs)
	}
	total, err := project.GetFloat(ctx, "total_cost")
	if err != nil || total != 900.0 {
		t.Fatalf("total_cost = %v, %v", total, err)
	}

	// Stored computed values are persisted, not just cached.
	projectID, _ := project.ID()
	err = env.Service().Store().View(ctx, func(v storage.View) error {
		rows, err := v.Fetch("project", []int64{projectID}, []string{"total_cost"})
		if err != nil {
			return err
		}
		if rows[projectID]["total_cost"] != 900.0 {
			t.Fatalf("stored total_cost = %v", rows[projectID]["total_cost"])
		}
		return nil
	})
	if err != nil {
		t.Fatalf("view: %v", err)
	}
}

func TestRecomputeOnSourceWrite(t *testing.T) {
	ctx := context.Background()
	env := newTestEnv(t)
	_, project, tasks := seedProject(t, env)
	first := mustModel(t, env, "task").Browse(tasks.IDs()[0])

	if err := first.Write(ctx, map[string]any{"hours": 3.0}); err != nil {
		t.Fatalf("write hours: %v", err)
	}
	cost, err := first.GetFloat(ctx, "cost")
	if err != nil || cost != 150.0 {
		t.Fatalf("cost = %v, %v", cost, err)
	}
	total, err := project.GetFloat(ctx, "total_cost")
	if err != nil || total != 950.0 {
		t.Fatalf("total_cost = %v, %v", total, err)
	}
}

func TestRecomputeOnReparent(t *testing.T) {
	ctx := context.Background()
	env := newTestEnv(t)
	_, p1, tasks := seedProject(t, env)
	p2 := mustCreate(t, env, "project", map[string]any{"title": "Annex"})
	p2ID, _ := p2.ID()

	first := mustModel(t, env, "task").Browse(tasks.IDs()[0])
	if err := first.Write(ctx, map[string]any{"project_id": p2ID}); err != nil {
		t.Fatalf("reparent: %v", err)
	}

	// Both the old and the new parent see the move.
	total1, err := p1.GetFloat(ctx, "total_cost")
	if err != nil || total1 != 800.0 {
		t.Fatalf("p1 total_cost = %v, %v", total1, err)
	}
	total2, err := p2.GetFloat(ctx, "total_cost")
	if err != nil || total2 != 100.0 {
		t.Fatalf("p2 total_cost = %v, %v", total2, err)
	}
	count1, _ := p1.GetInt(ctx, "task_count")
	count2, _ := p2.GetInt(ctx, "task_count")
	if count1 != 1 || count2 != 1 {
		t.Fatalf("task counts = %d, %d", count1, count2)
	}
}

func TestRecomputeOnChildCreateAndUnlink(t *testing.T) {
	ctx := context.Background()
	env := newTestEnv(t)
	_, project, _ := seedProject(t, env)
	projectID, _ := project.ID()

	extra := mustCreate(t, env, "task", map[string]any{
		"hours":      1.0,
		"rate":       25.0,
		"project_id": projectID,
	})
	total, err := project.GetFloat(ctx, "total_cost")
	if err != nil || total != 925.0 {
		t.Fatalf("total_cost after create = %v, %v", total, err)
	}

	if err := extra.Unlink(ctx); err != nil {
		t.Fatalf("unlink: %v", err)
	}
	total, err = project.GetFloat(ctx, "total_cost")
	if err != nil || total != 900.0 {
		t.Fatalf("total_cost after unlink = %v, %v", total, err)
	}
}

func TestRecomputeOnRelatedModelWrite(t *testing.T) {
	ctx := context.Background()
	env := newTestEnv(t)
	_, _, tasks := seedProject(t, env)
	person := mustCreate(t, env, "person", map[string]any{"name": "Robin"})
	personID, _ := person.ID()

	first := mustModel(t, env, "task").Browse(tasks.IDs()[0])
	if err := first.Write(ctx, map[string]any{"assignee_id": personID}); err != nil {
		t.Fatalf("assign: %v", err)
	}
	label, err := first.GetString(ctx, "assignee_label")
	if err != nil || label != "Robin" {
		t.Fatalf("assignee_label = %q, %v", label, err)
	}

	// Renaming the person reaches back through the many-to-one.
	if err := person.Write(ctx, map[string]any{"name": "Robin Hood"}); err != nil {
		t.Fatalf("rename: %v", err)
	}
	label, err = first.GetString(ctx, "assignee_label")
	if err != nil || label != "Robin Hood" {
		t.Fatalf("assignee_label after rename = %q, %v", label, err)
	}

	// Deleting the person clears the reference and the derived label.
	if err := person.Unlink(ctx); err != nil {
		t.Fatalf("unlink person: %v", err)
	}
	label, err = first.GetString(ctx, "assignee_label")
	if err != nil || label != "" {
		t.Fatalf("assignee_label after delete = %q, %v", label, err)
	}
}

func TestVirtualComputedStaysUnstored(t *testing.T) {
	ctx := context.Background()
	env := newTestEnv(t)
	_, project, _ := seedProject(t, env)
	projectID, _ := project.ID()

	count, err := project.GetInt(ctx, "task_count")
	if err != nil || count != 2 {
		t.Fatalf("task_count = %d, %v", count, err)
	}
	err = env.Service().Store().View(ctx, func(v storage.View) error {
		rows, err := v.Fetch("project", []int64{projectID}, []string{"task_count"})
		if err != nil {
			return err
		}
		if rows[projectID]["task_count"] != nil {
			t.Fatalf("task_count leaked to storage: %v", rows[projectID]["task_count"])
		}
		return nil
	})
	if err != nil {
		t.Fatalf("view: %v", err)
	}
}

func TestManyToManyDependency(t *testing.T) {
	ctx := context.Background()
	env := newTestEnv(t)
	_, project, _ := seedProject(t, env)
	tag := mustCreate(t, env, "tag", map[string]any{"label": "rush"})
	tagID, _ := tag.ID()

	if err := project.Write(ctx, map[string]any{"tags": Add(tagID)}); err != nil {
		t.Fatalf("tag: %v", err)
	}
	names, err := project.GetString(ctx, "tag_names")
	if err != nil || names != "rush" {
		t.Fatalf("tag_names = %q, %v", names, err)
	}

	// Relabeling the tag invalidates the projects linked to it.
	if err := tag.Write(ctx, map[string]any{"label": "urgent"}); err != nil {
		t.Fatalf("relabel: %v", err)
	}
	names, err = project.GetString(ctx, "tag_names")
	if err != nil || names != "urgent" {
		t.Fatalf("tag_names after relabel = %q, %v", names, err)
	}
}

func TestSetRejectsNonComputedFields(t *testing.T) {
	env := newTestEnv(t)
	_, project, _ := seedProject(t, env)

	if err := project.Set("title", "Renamed"); err == nil {
		t.Fatal("expected error assigning a plain field")
	}
	if err := project.Set("ghost", 1); err == nil {
		t.Fatal("expected error assigning an unknown field")
	}
}

func TestRecomputeStoredRepairsRows(t *testing.T) {
	ctx := context.Background()
	env := newTestEnv(t)
	_, _, tasks := seedProject(t, env)
	svc := env.Service()
	taskIDs := tasks.IDs()

	// Corrupt the persisted values behind the engine's back.
	err := svc.Store().RunInTransaction(ctx, func(tx storage.Tx) error {
		return tx.Update("task", taskIDs, storage.Row{"cost": -1.0})
	})
	if err != nil {
		t.Fatalf("corrupt: %v", err)
	}

	if err := svc.RecomputeStored(ctx, 1, "task", []string{"cost"}, 1, 2); err != nil {
		t.Fatalf("recompute: %v", err)
	}

	err = svc.Store().View(ctx, func(v storage.View) error {
		rows, err := v.Fetch("task", taskIDs, []string{"cost"})
		if err != nil {
			return err
		}
		if rows[taskIDs[0]]["cost"] != 100.0 || rows[taskIDs[1]]["cost"] != 800.0 {
			t.Fatalf("repaired costs = %v", rows)
		}
		return nil
	})
	if err != nil {
		t.Fatalf("view: %v", err)
	}
}
