package stage

import "fmt"

// validateGraph checks the preconditions required before any task in the
// stage is dispatched: every dependsOn id resolves, the
// dependency graph is acyclic, and no two tasks that are not ordered by a
// dependency path plan to touch the same file.
func validateGraph(tasks []LogicalTask) error {
	byID := make(map[string]LogicalTask, len(tasks))
	for _, t := range tasks {
		byID[t.ID] = t
	}
	for _, t := range tasks {
		for _, dep := range t.DependsOn {
			if _, ok := byID[dep]; !ok {
				return fmt.Errorf("%w: %s depends on %s", ErrUnknownDependency, t.ID, dep)
			}
		}
	}

	if cyc := findCycle(tasks); cyc != nil {
		return fmt.Errorf("%w: %v", ErrDependencyCycle, cyc)
	}

	ordered := transitiveOrderMatrix(tasks)
	return checkFileIsolation(tasks, ordered)
}

// findCycle runs a three-color DFS over the dependsOn graph and returns
// the cycle path if one exists.
func findCycle(tasks []LogicalTask) []string {
	const (
		white = 0
		gray  = 1
		black = 2
	)
	color := make(map[string]int, len(tasks))
	byID := make(map[string]LogicalTask, len(tasks))
	for _, t := range tasks {
		byID[t.ID] = t
		color[t.ID] = white
	}

	var path []string
	var cycle []string

	var visit func(id string) bool
	visit = func(id string) bool {
		color[id] = gray
		path = append(path, id)
		for _, dep := range byID[id].DependsOn {
			switch color[dep] {
			case gray:
				cycle = append(append([]string{}, path...), dep)
				return true
			case white:
				if visit(dep) {
					return true
				}
			}
		}
		path = path[:len(path)-1]
		color[id] = black
		return false
	}

	for _, t := range tasks {
		if color[t.ID] == white {
			if visit(t.ID) {
				return cycle
			}
		}
	}
	return nil
}

// transitiveOrderMatrix records, for every task a, the set of tasks b that
// a transitively depends on. ordered checks both directions of it to tell
// whether a pair is "ordered" and therefore exempt from the file-isolation
// check.
func transitiveOrderMatrix(tasks []LogicalTask) map[string]map[string]bool {
	byID := make(map[string]LogicalTask, len(tasks))
	for _, t := range tasks {
		byID[t.ID] = t
	}

	reachable := make(map[string]map[string]bool, len(tasks))
	for _, t := range tasks {
		seen := make(map[string]bool)
		var walk func(id string)
		walk = func(id string) {
			for _, dep := range byID[id].DependsOn {
				if !seen[dep] {
					seen[dep] = true
					walk(dep)
				}
			}
		}
		walk(t.ID)
		reachable[t.ID] = seen
	}
	return reachable
}

func ordered(matrix map[string]map[string]bool, a, b string) bool {
	return matrix[a][b] || matrix[b][a]
}

func checkFileIsolation(tasks []LogicalTask, matrix map[string]map[string]bool) error {
	for i := range tasks {
		for j := i + 1; j < len(tasks); j++ {
			a, b := tasks[i], tasks[j]
			if ordered(matrix, a.ID, b.ID) {
				continue
			}
			if shared := intersect(a.PlannedFiles, b.PlannedFiles); shared != "" {
				return fmt.Errorf("%w: %s and %s both plan %s", ErrFileIsolationViolation, a.ID, b.ID, shared)
			}
		}
	}
	return nil
}

func intersect(a, b []string) string {
	set := make(map[string]bool, len(a))
	for _, f := range a {
		set[f] = true
	}
	for _, f := range b {
		if set[f] {
			return f
		}
	}
	return ""
}
