// Package learnidx provides the learned-index model builders: a
// least-squares linear model, a stride-sampling builder around it, and a
// two-stage RMI whose second-stage size adapts to a target error bound.
//
// Models predict positions in a sorted array. Predictions are
// approximate; callers reconcile the error with a bounded search around
// the predicted position.
package learnidx
