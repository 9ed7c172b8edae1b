// Package compensation re-fires pipeline cron triggers that should have run
// while the service was unavailable.
//
// A Job runs once per process. It waits until the pipeline cache yields a
// non-empty snapshot, looks up the latest execution of every pipeline that
// owns an enabled cron trigger, and starts each pipeline whose schedule had a
// fire time inside the lookback window that was never executed.
//
// The job does not deduplicate against the live cron dispatcher. A trigger
// fired by the dispatcher after the history query but before compensation
// can be started twice.
package compensation
