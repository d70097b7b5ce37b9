// Package node drives single node instances: materialising them into the
// ordered task sequence their kind implies, reacting to task terminals,
// cancelling in-flight work for pauses and terminations, and waking
// successors whose dependencies are satisfied. Usage samples carried on
// status messages accumulate into the node's resource meter.
package node
