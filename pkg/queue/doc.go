/*
Package queue manages compute-queue admission.

Queue definitions are entities; their live resource counters are process
memory only, one map guarded by one mutex, with critical sections holding
nothing but arithmetic. Counters are approximations: agents periodically
report observed truth through UpdateQueueResource and the report overwrites
the local view.

Admission is the system's only back-pressure gate. PickQueue orders
candidates by scheduling strategy (Manual exact, Prefer listed-first,
Auto shuffled), CacheResource reserves capacity at scheduling time,
TaskStarted moves a reservation to running, ReleaseResource returns it on
any terminal status. Disabled queues never receive tasks.
*/
package queue
