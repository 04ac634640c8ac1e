package jobqueue

// Registry tracks pending jobs per guild and requester.
//
// A guild entry exists only while it has at least one pending job: entries are
// created on Put and pruned by Remove when the last job leaves. Because of
// that, Groups is the number of guilds currently being serviced.
//
// Registry is not safe for concurrent use; Manager guards it with its mutex.
type Registry struct {
	groups map[GroupID]map[RequesterID]*PendingJob
	total  int
}

func NewRegistry() *Registry {
	return &Registry{groups: map[GroupID]map[RequesterID]*PendingJob{}}
}

// Has reports whether g currently has pending jobs.
func (r *Registry) Has(g GroupID) bool {
	_, ok := r.groups[g]
	return ok
}

// Groups returns the number of guilds with pending jobs.
func (r *Registry) Groups() int { return len(r.groups) }

// Len returns the number of pending jobs in g.
func (r *Registry) Len(g GroupID) int { return len(r.groups[g]) }

// Total returns the number of pending jobs across all guilds.
func (r *Registry) Total() int { return r.total }

func (r *Registry) Pending(g GroupID, req RequesterID) (*PendingJob, bool) {
	job, ok := r.groups[g][req]
	return job, ok
}

// Put stores job, replacing any entry for the same guild and requester.
// Callers check Pending first; admission never overwrites.
func (r *Registry) Put(job *PendingJob) {
	if job == nil {
		return
	}
	reqs, ok := r.groups[job.Group]
	if !ok {
		reqs = map[RequesterID]*PendingJob{}
		r.groups[job.Group] = reqs
	}
	if _, exists := reqs[job.Requester]; !exists {
		r.total++
	}
	reqs[job.Requester] = job
}

// Remove deletes the entry for (g, req) and prunes g when it becomes empty.
func (r *Registry) Remove(g GroupID, req RequesterID) (*PendingJob, bool) {
	reqs, ok := r.groups[g]
	if !ok {
		return nil, false
	}
	job, ok := reqs[req]
	if !ok {
		return nil, false
	}
	delete(reqs, req)
	r.total--
	if len(reqs) == 0 {
		delete(r.groups, g)
	}
	return job, true
}

// take removes (g, req) only if it still belongs to jobID.
func (r *Registry) take(g GroupID, req RequesterID, jobID string) (*PendingJob, bool) {
	job, ok := r.Pending(g, req)
	if !ok || job.JobID != jobID {
		return nil, false
	}
	return r.Remove(g, req)
}

// Counts returns a copy of the per-guild pending counts.
func (r *Registry) Counts() map[GroupID]int {
	out := make(map[GroupID]int, len(r.groups))
	for g, reqs := range r.groups {
		out[g] = len(reqs)
	}
	return out
}
