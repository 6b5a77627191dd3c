// Package crawler defines the data model shared by the scheduler and its
// collaborators: the WorkItem that travels through the queue, the
// FetchOutcome produced by a Downloader, the ResultRecord handed to
// Pipelines, and the small interfaces each collaborator implements.
package crawler
