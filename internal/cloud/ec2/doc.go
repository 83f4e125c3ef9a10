// Package ec2 provisions and inspects disposable EC2 workers.
//
// The client never stops or terminates instances: workers are left for the
// operator to dispose of.
package ec2
