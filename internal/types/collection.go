package types

// Collection names. Uniqueness of ids is per collection.
const (
	CollectionTopics         = "topics"
	CollectionArticles       = "articles"
	CollectionFolders        = "folders"
	CollectionPearls         = "pearls"
	CollectionQuestions      = "questions"
	CollectionExams          = "exams"
	CollectionMistakes       = "mistakes"
	CollectionActivities     = "activities"
	CollectionWorkouts       = "workouts"
	CollectionFitnessLogs    = "fitnessLogs"
	CollectionSupplements    = "supplements"
	CollectionSupplementLogs = "supplementLogs"
	CollectionNutritionLogs  = "nutritionLogs"

	// CollectionStudySessions is synced with the cloud but is not part of
	// backup documents.
	CollectionStudySessions = "studySessions"
)

// BackupCollections lists, in export order, every collection written to a
// backup document.
var BackupCollections = []string{
	CollectionTopics,
	CollectionArticles,
	CollectionFolders,
	CollectionPearls,
	CollectionQuestions,
	CollectionExams,
	CollectionMistakes,
	CollectionActivities,
	CollectionWorkouts,
	CollectionFitnessLogs,
	CollectionSupplements,
	CollectionSupplementLogs,
	CollectionNutritionLogs,
}

// SyncedCollections lists every collection pulled from the cloud store.
var SyncedCollections = append(append([]string{}, BackupCollections...), CollectionStudySessions)

// IsBackupCollection reports whether name belongs in backup documents.
func IsBackupCollection(name string) bool {
	for _, c := range BackupCollections {
		if c == name {
			return true
		}
	}
	return false
}
